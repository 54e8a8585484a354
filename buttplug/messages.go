// Package buttplug is a client for the buttplug.io device control protocol,
// as served by Intiface Central. It covers the small surface this tool needs:
// handshake, device enumeration, vibration scalar commands, and stop-all.
package buttplug

// protocolVersion is the buttplug.io spec message version we speak.
const protocolVersion = 3

// actuatorVibrate is the actuator type we drive.
const actuatorVibrate = "Vibrate"

// The wire format is a JSON array of single-key objects, the key naming the
// message type. envelope has one field per message type we send or receive;
// exactly one is non-nil.
type envelope struct {
	Ok                *idFields          `json:"Ok,omitempty"`
	Error             *errorFields       `json:"Error,omitempty"`
	ServerInfo        *serverInfoFields  `json:"ServerInfo,omitempty"`
	DeviceList        *deviceListFields  `json:"DeviceList,omitempty"`
	DeviceAdded       *deviceAddedFields `json:"DeviceAdded,omitempty"`
	DeviceRemoved     *deviceGoneFields  `json:"DeviceRemoved,omitempty"`
	ScanningFinished  *idFields          `json:"ScanningFinished,omitempty"`
	RequestServerInfo *requestInfoFields `json:"RequestServerInfo,omitempty"`
	RequestDeviceList *idFields          `json:"RequestDeviceList,omitempty"`
	StartScanning     *idFields          `json:"StartScanning,omitempty"`
	StopAllDevices    *idFields          `json:"StopAllDevices,omitempty"`
	ScalarCmd         *scalarCmdFields   `json:"ScalarCmd,omitempty"`
	Ping              *idFields          `json:"Ping,omitempty"`
}

// id returns the message ID of whichever field is set, 0 for server events.
func (e *envelope) id() uint32 {
	switch {
	case e.Ok != nil:
		return e.Ok.ID
	case e.Error != nil:
		return e.Error.ID
	case e.ServerInfo != nil:
		return e.ServerInfo.ID
	case e.DeviceList != nil:
		return e.DeviceList.ID
	}
	return 0
}

type idFields struct {
	ID uint32 `json:"Id"`
}

type errorFields struct {
	ID           uint32 `json:"Id"`
	ErrorMessage string `json:"ErrorMessage"`
	ErrorCode    int    `json:"ErrorCode"`
}

type requestInfoFields struct {
	ID             uint32 `json:"Id"`
	ClientName     string `json:"ClientName"`
	MessageVersion int    `json:"MessageVersion"`
}

type serverInfoFields struct {
	ID             uint32 `json:"Id"`
	ServerName     string `json:"ServerName"`
	MessageVersion int    `json:"MessageVersion"`
	MaxPingTime    int    `json:"MaxPingTime"` // milliseconds, 0 disables pings
}

type scalarFeature struct {
	StepCount         uint32 `json:"StepCount"`
	FeatureDescriptor string `json:"FeatureDescriptor"`
	ActuatorType      string `json:"ActuatorType"`
}

type deviceMessagesFields struct {
	ScalarCmd []scalarFeature `json:"ScalarCmd,omitempty"`
}

type deviceFields struct {
	DeviceIndex    uint32               `json:"DeviceIndex"`
	DeviceName     string               `json:"DeviceName"`
	DeviceMessages deviceMessagesFields `json:"DeviceMessages"`
}

type deviceListFields struct {
	ID      uint32         `json:"Id"`
	Devices []deviceFields `json:"Devices"`
}

type deviceAddedFields struct {
	ID uint32 `json:"Id"`
	deviceFields
}

type deviceGoneFields struct {
	ID          uint32 `json:"Id"`
	DeviceIndex uint32 `json:"DeviceIndex"`
}

type scalar struct {
	Index        uint32  `json:"Index"`
	Scalar       float64 `json:"Scalar"`
	ActuatorType string  `json:"ActuatorType"`
}

type scalarCmdFields struct {
	ID          uint32   `json:"Id"`
	DeviceIndex uint32   `json:"DeviceIndex"`
	Scalars     []scalar `json:"Scalars"`
}

// vibratorIndices returns the scalar feature indices that drive a Vibrate
// actuator. Devices with none are not actuatable by this tool.
func (d deviceFields) vibratorIndices() []uint32 {
	var out []uint32
	for i, feature := range d.DeviceMessages.ScalarCmd {
		if feature.ActuatorType == actuatorVibrate {
			out = append(out, uint32(i))
		}
	}
	return out
}
