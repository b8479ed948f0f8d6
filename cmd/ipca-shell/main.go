// Command ipca-shell is an interactive demo harness for the device
// interaction core: it starts a Client against an in-process mock
// protocol/provisioning engine, seeds one simulated device, and
// exposes discover/get/set/observe/request-access/devices subcommands.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/devicecore/ipca/internal/ipca"
	"github.com/devicecore/ipca/internal/ipca/mockengine"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	client *ipca.Client
	engine *mockengine.Engine
)

var rootCmd = &cobra.Command{
	Use:     "ipca-shell",
	Short:   "Demo shell for the device interaction core",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return bootstrap(cmd.Context())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		teardown()
	},
}

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	rootCmd.AddCommand(versionCmd, discoverCmd, devicesCmd, getCmd, setCmd, observeCmd, requestAccessCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("ipca-shell %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
		return nil
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Run a one-shot discovery pass against the seeded mock devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		if err := client.DiscoverAll(ctx, ""); err != nil {
			return err
		}
		time.Sleep(300 * time.Millisecond)
		return printDevices()
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List currently registered devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printDevices()
	},
}

var getCmd = &cobra.Command{
	Use:   "get <device-id> <path>",
	Short: "Issue a GET against a resource",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		done := make(chan struct{})
		id := client.AddListener(func(ev ipca.Event) {
			if ev.Kind == ipca.EventGetComplete && ev.DeviceID == args[0] {
				fmt.Printf("status=%s rep=%v\n", ev.Status, ev.Rep)
				close(done)
			}
		})
		defer client.RemoveListener(id)

		st := client.GetProperties(ctx, args[0], args[1], nil, nil, nil)
		if st != ipca.StatusOK {
			return fmt.Errorf("dispatch failed: %s", st)
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	},
}

var setCmd = &cobra.Command{
	Use:   "set <device-id> <path> <json-body>",
	Short: "Issue a SET against a resource",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var rep ipca.Representation
		if err := json.Unmarshal([]byte(args[2]), &rep); err != nil {
			return fmt.Errorf("invalid json body: %w", err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		done := make(chan struct{})
		id := client.AddListener(func(ev ipca.Event) {
			if ev.Kind == ipca.EventSetComplete && ev.DeviceID == args[0] {
				fmt.Printf("status=%s\n", ev.Status)
				close(done)
			}
		})
		defer client.RemoveListener(id)

		st := client.SetProperties(ctx, args[0], args[1], nil, rep, nil)
		if st != ipca.StatusOK {
			return fmt.Errorf("dispatch failed: %s", st)
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	},
}

var observeCmd = &cobra.Command{
	Use:   "observe <device-id> <path>",
	Short: "Subscribe to a resource and print updates for 15 seconds",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		id := client.AddListener(func(ev ipca.Event) {
			if ev.Kind == ipca.EventObserveUpdate && ev.DeviceID == args[0] {
				fmt.Printf("update status=%s rep=%v\n", ev.Status, ev.Rep)
			}
		})
		defer client.RemoveListener(id)

		if st := client.Observe(ctx, args[0], args[1], nil); st != ipca.StatusOK {
			return fmt.Errorf("observe failed: %s", st)
		}
		<-ctx.Done()
		if st := client.StopObserve(context.Background(), args[0], args[1]); st != ipca.StatusOK {
			return fmt.Errorf("stop observe failed: %s", st)
		}
		return nil
	},
}

var requestAccessCmd = &cobra.Command{
	Use:   "request-access <device-id> <device-uuid>",
	Short: "Run the multiple-owner security handshake against a device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 35*time.Second)
		defer cancel()

		id := client.AddListener(func(ev ipca.Event) {
			switch ev.Kind {
			case ipca.EventPasswordInputRequested:
				fmt.Println("pin requested, supplying 00000000")
				ev.Reply <- "00000000"
			case ipca.EventPasswordDisplay:
				fmt.Printf("device pin: %s\n", ev.PIN)
			}
		})
		defer client.RemoveListener(id)

		if st := client.RequestAccess(ctx, args[0], args[1]); st != ipca.StatusOK {
			return fmt.Errorf("request access dispatch failed: %s", st)
		}
		final := client.AwaitCompletion(args[0])
		fmt.Printf("final status=%s\n", final)
		return nil
	},
}

func printDevices() error {
	for _, d := range client.Snapshot() {
		fmt.Printf("%s  uris=%v  resources=%d  types=%v  responsive=%v\n",
			d.DeviceID, d.URIs, d.ResourceCount, d.ResourceTypes, d.Responsive)
	}
	return nil
}

func bootstrap(ctx context.Context) error {
	var err error
	engine, err = mockengine.New()
	if err != nil {
		return err
	}

	engine.Seed(mockengine.Device{
		DeviceID:  "00000000-0000-0000-0000-000000000001",
		Host:      "coap://10.0.0.42:5683",
		Name:      "simulated-light",
		SWVersion: "1.0.0",
		Resources: []mockengine.Resource{
			{
				Path:       "/light/1",
				Types:      []string{"oic.r.switch.binary"},
				Interfaces: []string{"oic.if.a", "oic.if.baseline"},
				Observable: true,
				Properties: ipca.Representation{"value": false},
			},
		},
	})

	provisioner := mockengine.NewProvisioner()

	client = ipca.NewClient()
	return client.Start(ctx, ipca.Config{
		ProtocolEngine:     engine,
		ProvisioningEngine: provisioner,
	})
}

func teardown() {
	if client != nil {
		_ = client.Stop()
	}
	if engine != nil {
		_ = engine.Close()
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("ipca-shell failed")
		os.Exit(1)
	}
}
