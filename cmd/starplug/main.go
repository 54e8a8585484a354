// StarPlug tracks your APM and sends it to your vibrator.
//
// Launch StarPlug after starting Intiface Central's server; it waits for the
// game to start and reattaches after the game exits. Linux only: it drives
// the target through ptrace, so it needs CAP_SYS_PTRACE or a relaxed
// ptrace_scope.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/VyrCossont/StarPlug/buttplug"
	"github.com/VyrCossont/StarPlug/instrument"
	"github.com/VyrCossont/StarPlug/intensity"
	"github.com/VyrCossont/StarPlug/process"
	"github.com/VyrCossont/StarPlug/signature"
	"github.com/VyrCossont/StarPlug/telemetry"
)

var log = logger.NewLogger(coloransi.Color(coloransi.Yellow, coloransi.ColorOrange, "starplug"))

var (
	flagServer      string
	flagMinAPM      int
	flagMaxAPM      int
	flagProcessName string
	flagGameVersion string
	flagSignatures  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "starplug",
		Short:         "StarPlug tracks your APM and sends it to your vibrator",
		Long:          "StarPlug attaches to a running StarCraft process, reads the live APM counter,\nand streams vibration commands to an Intiface server.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	rootCmd.Flags().StringVar(&flagServer, "server", "ws://localhost:12345", "Intiface websocket URL to connect to")
	rootCmd.Flags().IntVar(&flagMinAPM, "min-apm", 40, "don't vibrate below this APM")
	rootCmd.Flags().IntVar(&flagMaxAPM, "max-apm", 100, "max vibration at this APM")
	rootCmd.Flags().StringVar(&flagProcessName, "process-name", "StarCraft", "name of the game process to attach to")
	rootCmd.Flags().StringVar(&flagGameVersion, "game-version", "remastered", "game version selector for the signature catalog")
	rootCmd.Flags().StringVar(&flagSignatures, "signatures", "", "path to a YAML signature catalog overriding the builtin one")

	if err := rootCmd.Execute(); err != nil {
		log.Warn("Fatal: ", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// All configuration is validated before any attach attempt.
	if flagMinAPM < 0 || flagMaxAPM < 0 {
		return errors.New("APM values cannot be negative")
	}
	apmRange, err := intensity.NewRange(uint64(flagMinAPM), uint64(flagMaxAPM))
	if err != nil {
		return fmt.Errorf("max APM must be strictly greater than min APM: %w", err)
	}

	catalog := signature.BuiltinCatalog()
	if flagSignatures != "" {
		catalog, err = signature.LoadCatalog(flagSignatures)
		if err != nil {
			return err
		}
	}
	sig, err := catalog.Lookup(flagGameVersion)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infoln("Type Ctrl-C to quit StarPlug.")

	client := buttplug.New(buttplug.Config{URL: flagServer})
	loop := telemetry.NewLoop(telemetry.Config{Range: apmRange})

	// The instrumentation goroutine cancels runCtx on its way out so that
	// Maintain winds down when there is nothing left to drive.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		log.Infoln("Connecting to Intiface at", flagServer)
		return client.Maintain(gctx)
	})

	g.Go(func() error {
		defer cancel()
		return trackGame(gctx, loop, client, sig)
	})

	return g.Wait()
}

// trackGame attaches to the game, streams APM through the telemetry loop, and
// waits for a relaunch whenever the game exits. It returns on cancellation or
// on a fatal instrumentation error.
func trackGame(ctx context.Context, loop *telemetry.Loop, client *buttplug.Client, sig signature.Signature) error {
	for {
		sess, err := attachToGame(ctx, flagProcessName)
		if err != nil {
			return err
		}
		if sess == nil {
			// Canceled while waiting for the game.
			return nil
		}

		if err := sess.Arm(sig); err != nil {
			sess.Detach()
			return err
		}

		reason, err := loop.Run(ctx, sess, client)
		if err != nil {
			return err
		}

		if reason == instrument.ReasonProcessExited && ctx.Err() == nil {
			log.Infoln("Waiting for the game to be relaunched…")
			continue
		}
		return nil
	}
}

// attachToGame waits for the named process and attaches to it, retrying the
// window where the process exits between discovery and attach. Returns a nil
// session on cancellation.
func attachToGame(ctx context.Context, name string) (*instrument.Session, error) {
	for {
		if _, err := process.WaitForName(name, ctx.Done(), 2*time.Second); err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			return nil, err
		}

		sess, err := instrument.Attach(name)
		if err == nil {
			return sess, nil
		}
		if errors.Is(err, process.ErrProcessNotFound) {
			// The process exited between discovery and attach.
			continue
		}
		return nil, err
	}
}
