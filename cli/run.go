package main

import (
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/rtld"
	"github.com/sliverarmory/rtld/manifest"
	"github.com/sliverarmory/rtld/memmod"
	"github.com/sliverarmory/rtld/module"
	"github.com/sliverarmory/rtld/svc"
)

// session is a bootstrapped address space.
type session struct {
	linker  *rtld.Linker
	space   *memmod.AddressSpace
	loader  manifest.Placement
	modules []manifest.Placement
	calls   []uint64
}

func (s *session) Close() error {
	return s.space.Close()
}

func bootstrap(cmd *cobra.Command, path string) (*session, error) {
	m, err := manifest.Load(path)
	if err != nil {
		return nil, err
	}
	cfg, err := m.Config()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	space, loader, modules, err := m.AddressSpace()
	if err != nil {
		return nil, err
	}
	s := &session{space: space, loader: loader, modules: modules}

	var supervisor rtld.Supervisor
	cfg.DebugFlag = cfg.DebugFlag || debug
	cfg.Eager = cfg.Eager || eager
	cfg.Logger = logger
	cfg.Registerer = prometheus.NewRegistry()
	cfg.Halt = supervisor.Halt
	cfg.Invoke = func(entry uint64) { s.calls = append(s.calls, entry) }

	s.linker, err = rtld.New(svc.NewHost(space, logger), space, cfg)
	if err != nil {
		_ = space.Close()
		return nil, err
	}

	var selfBase, selfDynamic uint64
	if loader.Image != nil {
		selfBase = loader.Base
		selfDynamic = loader.Base + loader.Image.DynamicOffset
	}
	if err := supervisor.Do(func() { s.linker.Bootstrap(selfBase, selfDynamic) }); err != nil {
		_ = space.Close()
		return nil, err
	}
	return s, nil
}

var runCmd = &cobra.Command{
	Use:   "run <manifest>",
	Short: "Discover, relocate and link the images a manifest describes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := bootstrap(cmd, args[0])
		if err != nil {
			return err
		}
		defer s.Close()

		out := cmd.OutOrStdout()
		writeObjects(out, s.linker)

		fmt.Fprintln(out, "constructors:")
		for i, entry := range s.calls {
			fmt.Fprintf(out, "  %d. %#x\n", i+1, entry)
		}
		if dump {
			spew.Fdump(out, lo.Map(objects(s.linker), func(object *module.Object, _ int) module.Object { return *object }))
		}
		return nil
	},
}

func objects(linker *rtld.Linker) []*module.Object {
	var out []*module.Object
	for object := range linker.AutoLoad().Discovery() {
		out = append(out, object)
	}
	return out
}

func writeObjects(w io.Writer, linker *rtld.Linker) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Name", "Base", "Object", "Rel", "Rela", "PLT", "GOT", "Init"})
	for i, object := range objects(linker) {
		name := object.Name(linker.Memory())
		if object == linker.Self() {
			name += " (loader)"
		}
		table.Append([]string{
			fmt.Sprint(i),
			name,
			fmt.Sprintf("%#x", object.Base),
			fmt.Sprintf("%#x", object.Address),
			fmt.Sprintf("%d/%d", object.RelCount, object.Rel.Len()),
			fmt.Sprintf("%d/%d", object.RelaCount, object.Rela.Len()),
			fmt.Sprintf("%d %s", object.PLT.Len(), object.PLT.Kind),
			fmt.Sprintf("%#x", object.GOT),
			fmt.Sprintf("%#x", object.Init),
		})
	}
	table.Render()
}

var lookupCmd = &cobra.Command{
	Use:   "lookup <manifest> <symbol>...",
	Short: "Bootstrap a manifest and resolve exported symbols",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := bootstrap(cmd, args[0])
		if err != nil {
			return err
		}
		defer s.Close()

		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.SetHeader([]string{"Symbol", "Hash", "Address"})
		for _, name := range args[1:] {
			address := s.linker.LookupExport(name)
			value := "unresolved"
			if address != 0 {
				value = fmt.Sprintf("%#x", address)
			}
			table.Append([]string{name, fmt.Sprintf("%#08x", module.Hash(name)), value})
		}
		table.Render()
		return nil
	},
}

var hashCmd = &cobra.Command{
	Use:   "hash <name>...",
	Short: "Print the ELF hash of symbol names",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range args {
			fmt.Fprintf(cmd.OutOrStdout(), "%#08x %s\n", module.Hash(name), name)
		}
		return nil
	},
}
