package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/theckman/yacspin"
	"gopkg.in/yaml.v2"

	"github.com/wmko/deifcs/display"
	"github.com/wmko/deifcs/ds9"
	"github.com/wmko/deifcs/fcs"
	"github.com/wmko/deifcs/fcs/config"
	"github.com/wmko/deifcs/httpfcs"
	"github.com/wmko/deifcs/track"
	"github.com/wmko/deifcs/track/history"
)

// Version is stamped by the build.
var Version = "dev"

func newRootCmd(cfg config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:   "fcs",
		Short: "DEIMOS flexure compensation system operator tools",
		Long: `fcs bundles the FCS operator procedures: taking reference spot
images, zeroing the instrument before a night, running the flexure
tracking loop, keeping a ds9 viewer on the latest frame, and serving
the FCS status over HTTP.`,
		SilenceUsage: true,
	}
	root.AddCommand(newRefCmd(cfg))
	root.AddCommand(newZeroCmd(cfg))
	root.AddCommand(newTrackCmd(cfg))
	root.AddCommand(newDisplayCmd(cfg))
	root.AddCommand(newServeCmd(cfg))
	root.AddCommand(newConfCmd(cfg))
	root.AddCommand(newVersionCmd())
	return root
}

func spinner(msg string) (*yacspin.Spinner, error) {
	s, err := yacspin.New(yacspin.Config{
		Frequency:     100 * time.Millisecond,
		CharSet:       yacspin.CharSets[11],
		Suffix:        " " + msg,
		StopCharacter: "done",
	})
	if err != nil {
		return nil, err
	}
	s.Start()
	return s, nil
}

// askYN prompts on the terminal; empty input means no.
func askYN(prompt string) bool {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes"
}

func newRefCmd(cfg config.Config) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "ref",
		Short: "Capture an FCS reference for the current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			ins := fcs.Connect(cfg)
			confirm := askYN
			if yes {
				confirm = func(string) bool { return true }
			}
			path, err := fcs.TakeReference(ins, cfg, confirm, os.Stdout)
			if err != nil {
				return err
			}
			log.Printf("reference written to %s", path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func newZeroCmd(cfg config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "zero [new|match]",
		Short: "Rotate to the flexure center and recenter the stages",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arg := ""
			if len(args) == 1 {
				arg = args[0]
			}
			mode, err := fcs.ParseZeroMode(arg)
			if err != nil {
				return err
			}
			ins := fcs.Connect(cfg)
			status := fcs.NewStatus(ins.Fcs)
			spin, serr := spinner("zeroing the instrument")
			err = fcs.Zero(ins, cfg, mode, status)
			if serr == nil {
				spin.Stop()
			}
			if err != nil {
				status.Report(err)
				return err
			}
			log.Printf("fcszero %s complete", mode)
			return nil
		},
	}
	return cmd
}

func newTrackCmd(cfg config.Config) *cobra.Command {
	var monitor bool
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Run the flexure tracking loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ins := fcs.Connect(cfg)
			status := fcs.NewStatus(ins.Fcs)

			var hist *history.Store
			if cfg.HistoryDB != "" {
				var err error
				hist, err = history.New(cfg.HistoryDB)
				if err != nil {
					return fmt.Errorf("cannot open the correction history %s: %w", cfg.HistoryDB, err)
				}
				defer hist.Close()
			}

			loop := track.New(ins, cfg, status, hist)
			loop.Monitor = monitor
			if monitor {
				status.SetState(fcs.StateOK)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sig
				log.Print("interrupted, stopping the tracking loop")
				cancel()
			}()

			err := loop.Run(ctx)
			if err == context.Canceled {
				err = nil
			}
			status.Interrupt(err)
			return err
		},
	}
	cmd.Flags().BoolVarP(&monitor, "monitor", "m", false, "measure and record without moving the stages")
	return cmd
}

func newDisplayCmd(cfg config.Config) *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "display",
		Short: "Keep a ds9 viewer on the latest FCS frame",
		RunE: func(cmd *cobra.Command, args []string) error {
			viewer, err := ds9.New(title)
			if err != nil {
				return err
			}
			ins := fcs.Connect(cfg)
			mon := display.New(ins.Fcs, viewer, cfg.OutputPrefix)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sig
				cancel()
			}()
			err = mon.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "deimos_fcs_autodisplay", "XPA title of the ds9 display to connect to")
	return cmd
}

// serveTracker adapts a track.Loop to the httpfcs control surface,
// starting and stopping the loop on demand.  Handlers run concurrently,
// so the loop state is guarded; gen distinguishes loop runs so a stale
// goroutine exiting cannot clear a newer run's cancel.
type serveTracker struct {
	loop *track.Loop

	mu     sync.Mutex
	cancel context.CancelFunc
	gen    int
}

func (s *serveTracker) Tracking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *serveTracker) SetTracking(enable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enable == (s.cancel != nil) {
		return nil
	}
	if !enable {
		s.cancel()
		s.cancel = nil
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.gen++
	gen := s.gen
	go func() {
		if err := s.loop.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("tracking loop stopped: %v", err)
		}
		s.mu.Lock()
		if s.gen == gen && s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		s.mu.Unlock()
	}()
	return nil
}

func newServeCmd(cfg config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the FCS status and tracking controls over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ins := fcs.Connect(cfg)
			status := fcs.NewStatus(ins.Fcs)

			var hist *history.Store
			if cfg.HistoryDB != "" {
				var err error
				hist, err = history.New(cfg.HistoryDB)
				if err != nil {
					return fmt.Errorf("cannot open the correction history %s: %w", cfg.HistoryDB, err)
				}
				defer hist.Close()
			}

			loop := track.New(ins, cfg, status, hist)
			h := httpfcs.New(ins.Fcs, hist, &serveTracker{loop: loop})
			router := httpfcs.NewRouter(h, httpfcs.NewLocker())
			log.Printf("FCS status server listening on %s", cfg.Addr)
			return http.ListenAndServe(cfg.Addr, router)
		},
	}
	return cmd
}

func newConfCmd(cfg config.Config) *cobra.Command {
	var write string
	cmd := &cobra.Command{
		Use:   "conf",
		Short: "Print the running configuration as yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			if write == "" {
				fmt.Print(string(out))
				return nil
			}
			return os.WriteFile(write, out, 0644)
		},
	}
	cmd.Flags().StringVarP(&write, "write", "w", "", "write the configuration to a file instead of stdout")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("fcs", Version)
		},
	}
}
