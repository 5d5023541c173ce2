// rvvm is a thin demonstration front-end over the machine core: a runnable entry point the way
// every example repo has one, built the way oisee-z80-optimizer's cmd/z80opt builds a cobra root
// command with subcommands whose RunE closures call straight into the library API. It is not part
// of the core's scope — a real frontend (bootloader, disk image, network backend) is expected to
// link the machine package directly rather than shell out to this binary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rvvmgo/rvvm/internal/log"
	"github.com/rvvmgo/rvvm/internal/machine"
)

func main() {
	root := &cobra.Command{
		Use:   "rvvm",
		Short: "rvvm is a minimal RISC-V virtual machine monitor",
	}

	root.AddCommand(newCreateCmd(), newStepCmd(), newRegionsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// sharedFlags are the machine-construction flags every subcommand accepts.
type sharedFlags struct {
	harts   int
	ramBase uint64
	ramSize uint64
	rv32    bool
	resetPC uint64
	kernel  string
	verbose bool
}

func (f *sharedFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.harts, "harts", 1, "number of harts")
	cmd.Flags().Uint64Var(&f.ramBase, "ram-base", 0x8000_0000, "physical RAM base address")
	cmd.Flags().Uint64Var(&f.ramSize, "ram-size", 64<<20, "physical RAM size in bytes")
	cmd.Flags().BoolVar(&f.rv32, "rv32", false, "use RV32 instead of RV64")
	cmd.Flags().Uint64Var(&f.resetPC, "reset-pc", 0, "reset PC (default: ram-base)")
	cmd.Flags().StringVar(&f.kernel, "kernel", "", "flat image to load at ram-base before running")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "enable debug logging")
}

func (f *sharedFlags) build() (*machine.Machine, error) {
	opts := []machine.OptionFn{
		machine.WithHartCount(f.harts),
		machine.WithRAM(f.ramBase, f.ramSize),
		machine.WithRV64(!f.rv32),
	}

	if f.resetPC != 0 {
		opts = append(opts, machine.WithResetPC(f.resetPC))
	}

	m, err := machine.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create machine: %w", err)
	}

	if f.kernel != "" {
		image, err := os.ReadFile(f.kernel)
		if err != nil {
			return nil, fmt.Errorf("read kernel image: %w", err)
		}

		if err := m.LoadKernel(f.ramBase, image); err != nil {
			return nil, fmt.Errorf("load kernel image: %w", err)
		}
	}

	return m, nil
}

func newCreateCmd() *cobra.Command {
	flags := &sharedFlags{}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "build a machine and run it until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.verbose {
				log.LogLevel.Set(log.Debug)
			}

			m, err := flags.build()
			if err != nil {
				return err
			}
			defer m.Free()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			if err := m.Start(ctx); err != nil {
				return err
			}

			fmt.Printf("machine running with %d hart(s), press ctrl-c to stop\n", len(m.Harts))

			<-ctx.Done()

			return m.Pause()
		},
	}

	flags.register(cmd)

	return cmd
}

func newStepCmd() *cobra.Command {
	flags := &sharedFlags{}

	var count int

	cmd := &cobra.Command{
		Use:   "step",
		Short: "single-step the machine's first hart N instructions and dump its state",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := flags.build()
			if err != nil {
				return err
			}
			defer m.Free()

			h := m.Harts[0]

			for i := 0; i < count; i++ {
				if err := h.Step(); err != nil {
					fmt.Println(h.Snap())
					return fmt.Errorf("step %d: %w", i, err)
				}
			}

			fmt.Println(h.Snap())

			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().IntVar(&count, "count", 1, "number of instructions to step")

	return cmd
}

func newRegionsCmd() *cobra.Command {
	flags := &sharedFlags{}

	cmd := &cobra.Command{
		Use:   "regions",
		Short: "build a machine and list its RAM and MMIO regions",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := flags.build()
			if err != nil {
				return err
			}
			defer m.Free()

			ram := m.Space.RAM()
			fmt.Printf("RAM    %#016x .. %#016x\n", ram.Base(), ram.Base()+ram.Size())

			for _, r := range m.Space.Regions() {
				fmt.Printf("%-6s %#016x .. %#016x  op=[%d,%d]\n",
					strings.ToUpper(r.Type), r.Addr, r.Addr+r.Size, r.MinOpSize, r.MaxOpSize)
			}

			return nil
		},
	}

	flags.register(cmd)

	return cmd
}
