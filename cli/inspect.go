package main

import (
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/rtld/memmod"
	"github.com/sliverarmory/rtld/modimg"
	"github.com/sliverarmory/rtld/module"
)

var inspectBase uint64

var inspectCmd = &cobra.Command{
	Use:   "inspect <shared library>",
	Short: "Show how a shared object maps as a module image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		image, err := modimg.FromELF(data)
		if err != nil {
			return err
		}

		space := memmod.New()
		defer space.Close()
		if err := image.Map(space, inspectBase); err != nil {
			return err
		}
		header, err := module.ReadHeader(space, inspectBase)
		if err != nil {
			return err
		}
		object := module.NewObject(header.ObjectAddress())
		if err := object.Initialize(space, image.Arch, inspectBase, header.DynamicAddress()); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "arch:    %s\n", image.Arch.Name)
		fmt.Fprintf(out, "size:    %s\n", humanize.IBytes(image.Size()))
		fmt.Fprintf(out, "soname:  %s\n", object.Name(space))
		fmt.Fprintf(out, "symbols: %d (%d buckets)\n", object.NChain, object.NBucket)
		bssStart, bssEnd := header.BSS()
		fmt.Fprintf(out, "bss:     %#x-%#x\n", bssStart, bssEnd)
		unwindStart, unwindEnd := header.Unwind()
		fmt.Fprintf(out, "unwind:  %#x-%#x\n", unwindStart, unwindEnd)

		table := tablewriter.NewWriter(out)
		table.SetHeader([]string{"Address", "Size", "State", "Perm"})
		for _, segment := range image.Segments {
			table.Append([]string{
				fmt.Sprintf("%#x", inspectBase+segment.Offset),
				humanize.IBytes(memmod.AlignUp(uint64(len(segment.Data)))),
				segment.State.String(),
				segment.Permission.String(),
			})
		}
		table.Render()

		table = tablewriter.NewWriter(out)
		table.SetHeader([]string{"Table", "Address", "Entries", "Relative"})
		table.Append([]string{"REL", fmt.Sprintf("%#x", object.Rel.Address), fmt.Sprint(object.Rel.Len()), fmt.Sprint(object.RelCount)})
		table.Append([]string{"RELA", fmt.Sprintf("%#x", object.Rela.Address), fmt.Sprint(object.Rela.Len()), fmt.Sprint(object.RelaCount)})
		table.Append([]string{"PLT " + object.PLT.Kind.String(), fmt.Sprintf("%#x", object.PLT.Address), fmt.Sprint(object.PLT.Len()), "-"})
		table.Render()

		if dump {
			spew.Fdump(out, header, *object)
		}
		return nil
	},
}

func init() {
	inspectCmd.Flags().Uint64Var(&inspectBase, "base", 0x8000000, "Address to map the image at")
}
