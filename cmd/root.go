// cmd/root.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/gen2brain/malgo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/asiofanout/asiofanout/internal/config"
	"github.com/asiofanout/asiofanout/internal/control"
	"github.com/asiofanout/asiofanout/internal/layout"
	"github.com/asiofanout/asiofanout/internal/listener"
	"github.com/asiofanout/asiofanout/internal/registry"
	"github.com/asiofanout/asiofanout/internal/scheduler"
	"github.com/asiofanout/asiofanout/internal/session"
	"github.com/asiofanout/asiofanout/internal/sink"
)

var rootCmd = &cobra.Command{
	Use:   "asioctl",
	Short: "Attach a listener to a capture device and print frame statistics",
	Long:  `A command-line harness that drives the device-fanout audio pipeline end to end against a real capture device, for manual testing.`,
	RunE:  runListener,
}

// runListener wires a registry, a scheduler, a control surface, and one
// listener together, then counts received frames until interrupted and
// prints the frame and drop totals on shutdown (per-frame lines only with
// --debug). It mirrors the teacher's runDecoder: validate config, build
// the pipeline, wire callbacks, run until signaled.
func runListener(_ *cobra.Command, _ []string) error {
	deviceIndex := viper.GetInt("device_index")
	sampleRate := uint32(viper.GetInt("sample_rate"))
	bufferSize := uint32(viper.GetInt("buffer_size"))
	routeSpec := viper.GetString("routes")
	layoutName := viper.GetString("layout")
	debug := viper.GetBool("debug")

	logger := log.NewWithOptions(os.Stderr, log.Options{Level: log.InfoLevel})
	if debug {
		logger.SetLevel(log.DebugLevel)
	}

	lay, err := parseLayout(layoutName)
	if err != nil {
		return err
	}
	routes, err := parseRoutes(routeSpec)
	if err != nil {
		return err
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	reg := registry.New(ctx)
	if err := reg.Enumerate(); err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}

	if debug || deviceIndex < 0 {
		logger.Info("available capture devices")
		for _, d := range reg.All() {
			logger.Infof("  [%d] %s", d.Index, d.Name)
		}
	}
	if deviceIndex < 0 {
		return fmt.Errorf("select a device with --device (-1 only lists devices)")
	}

	sched := scheduler.New()
	ctrl := control.New(ctx, reg, sched, logger)
	go ctrl.Run()
	defer ctrl.Close()

	frames := sink.NewChan(64)
	l := listener.New("asioctl", frames, logger)

	params := session.Params{
		SampleRate:     sampleRate,
		BufferSize:     bufferSize,
		Format:         config.Defaults().Format,
		ActiveChannels: activeChannels(routes),
	}

	desc, err := reg.Info(deviceIndex)
	if err != nil {
		return fmt.Errorf("resolve device: %w", err)
	}

	if err := ctrl.AttachListener(l, deviceIndex, params, routes, lay); err != nil {
		return fmt.Errorf("attach listener: %w", err)
	}
	logger.Info("attached listener", "device", desc.Name, "layout", lay)

	sigCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	var frameCount, sampleCount uint64
	for {
		select {
		case <-sigCtx.Done():
			logger.Infof("received %d frames, %d drops, shutting down", frameCount, l.OverrunCount())
			if err := ctrl.DetachListener(l.ID()); err != nil {
				return fmt.Errorf("detach listener: %w", err)
			}
			return nil
		case fr := <-frames.Frames():
			frameCount++
			sampleCount += uint64(fr.Frames)
			if debug {
				logger.Debugf("frame ts=%d frames=%d channels=%d", fr.Timestamp, fr.Frames, len(fr.Channels))
			}
		}
	}
}

func activeChannels(routes listener.RoutingTable) uint32 {
	var max int32 = -1
	for _, r := range routes {
		if r > max {
			max = r
		}
	}
	if max < 0 {
		return 2
	}
	return uint32(max + 1)
}

func parseLayout(name string) (layout.SpeakerLayout, error) {
	switch strings.ToLower(name) {
	case "mono":
		return layout.Mono, nil
	case "stereo":
		return layout.Stereo, nil
	case "2.1":
		return layout.TwoPointOne, nil
	case "4.0", "quad":
		return layout.Quad, nil
	case "4.1":
		return layout.FourPointOne, nil
	case "5.1":
		return layout.Surround51, nil
	case "7.1":
		return layout.Surround71, nil
	default:
		return 0, fmt.Errorf("unknown speaker layout %q", name)
	}
}

func parseRoutes(spec string) (listener.RoutingTable, error) {
	table := listener.MutedRoutingTable()
	if spec == "" {
		table[0], table[1] = 0, 1
		return table, nil
	}
	parts := strings.Split(spec, ",")
	for i, p := range parts {
		if i >= listener.MaxOutputChannels {
			break
		}
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return table, fmt.Errorf("invalid route entry %q: %w", p, err)
		}
		table[i] = int32(v)
	}
	return table, nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "execution error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().IntP("device", "d", -1, "capture device index (-1 lists devices)")
	rootCmd.PersistentFlags().Uint32P("sample-rate", "r", 48000, "requested sample rate in Hz")
	rootCmd.PersistentFlags().Uint32P("buffer-size", "b", 256, "requested buffer size in frames")
	rootCmd.PersistentFlags().StringP("routes", "R", "", "comma-separated output->input channel routing, e.g. 0,1,-1,-1")
	rootCmd.PersistentFlags().StringP("layout", "l", "stereo", "speaker layout: mono, stereo, 2.1, 4.0, 4.1, 5.1, 7.1")
	rootCmd.PersistentFlags().BoolP("debug", "D", false, "enable debug output")

	cobra.CheckErr(viper.BindPFlag("device_index", rootCmd.PersistentFlags().Lookup("device")))
	cobra.CheckErr(viper.BindPFlag("sample_rate", rootCmd.PersistentFlags().Lookup("sample-rate")))
	cobra.CheckErr(viper.BindPFlag("buffer_size", rootCmd.PersistentFlags().Lookup("buffer-size")))
	cobra.CheckErr(viper.BindPFlag("routes", rootCmd.PersistentFlags().Lookup("routes")))
	cobra.CheckErr(viper.BindPFlag("layout", rootCmd.PersistentFlags().Lookup("layout")))
	cobra.CheckErr(viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")))
}

func initConfig() {
	viper.SetDefault("device_index", -1)
	viper.SetDefault("sample_rate", 48000)
	viper.SetDefault("buffer_size", 256)
	viper.SetDefault("layout", "stereo")
	viper.SetDefault("debug", false)
}
