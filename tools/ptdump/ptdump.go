// +build 386 amd64

package main

import (
	"debug/elf"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"lmboot/kernel/kmain"
	"lmboot/kernel/mm/paging"
	"lmboot/multiboot"
	"os"
	"strconv"
	"strings"

	tty "github.com/mattn/go-tty"
	"golang.org/x/exp/mmap"
)

var (
	highHalfFlag    = flag.String("high", "top", "kernel window: top (last GiB) or mid (upper half base)")
	granuleFlag     = flag.String("granule", "2m", "largest leaf size: 4k, 2m or 1g")
	lowMemFlag      = flag.Bool("lowmem", true, "identity map the memory below the image")
	noExecFlag      = flag.Bool("nx", true, "set NX on non-executable leaves")
	identityGiBFlag = flag.Int("identity-gib", 0, "identity map the first N GiB instead of the image")
	poolPhysFlag    = flag.Uint64("pool-phys", 0x200000, "physical address of the first table")
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[ptdump] error: %s\n", err.Error())
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: ptdump [flags] layout|leaves|translate|shell|image kernel.elf [args]\n\n")
	fmt.Fprintf(os.Stderr, "  layout kernel.elf               print the image regions and table usage\n")
	fmt.Fprintf(os.Stderr, "  leaves kernel.elf               print every leaf mapping\n")
	fmt.Fprintf(os.Stderr, "  translate kernel.elf vaddr...   walk the given virtual addresses\n")
	fmt.Fprintf(os.Stderr, "  shell kernel.elf                read virtual addresses from the terminal\n")
	fmt.Fprintf(os.Stderr, "  image kernel.elf out.bin        write the raw tables, root first\n\n")
	flag.PrintDefaults()
}

// configFromFlags assembles the paging configuration selected on the command
// line.
func configFromFlags(highHalf, granule string, lowMem, noExec bool, identityGiB int, poolPhys uint64) (paging.Config, error) {
	cfg := paging.DefaultConfig()

	switch strings.ToLower(highHalf) {
	case "top":
		cfg.HighHalf = paging.HighHalfTop
	case "mid":
		cfg.HighHalf = paging.HighHalfMid
	default:
		return cfg, fmt.Errorf("unknown kernel window %q", highHalf)
	}

	switch strings.ToLower(granule) {
	case "4k":
		cfg.MaxGranule = paging.Granule4K
	case "2m":
		cfg.MaxGranule = paging.Granule2M
	case "1g":
		cfg.MaxGranule = paging.Granule1G
	default:
		return cfg, fmt.Errorf("unknown granule %q", granule)
	}

	cfg.MapLowMemory = lowMem
	cfg.NoExecute = noExec
	cfg.IdentityGiB = identityGiB
	cfg.PoolPhysAddr = poolPhys
	return cfg, nil
}

// visitFileSections adapts the section headers of an ELF image to the visitor
// interface used for the multiboot ELF symbols tag.
func visitFileSections(f *elf.File) func(multiboot.ElfSectionVisitor) {
	return func(visitor multiboot.ElfSectionVisitor) {
		for _, s := range f.Sections {
			if s.Size == 0 {
				continue
			}

			var flags multiboot.ElfSectionFlag
			if s.Flags&elf.SHF_WRITE != 0 {
				flags |= multiboot.ElfSectionWritable
			}
			if s.Flags&elf.SHF_ALLOC != 0 {
				flags |= multiboot.ElfSectionAllocated
			}
			if s.Flags&elf.SHF_EXECINSTR != 0 {
				flags |= multiboot.ElfSectionExecutable
			}

			visitor(&multiboot.ElfSection{
				Name:    s.Name,
				Type:    multiboot.ElfSectionType(s.Type),
				Flags:   flags,
				Address: s.Addr,
				Size:    s.Size,
			})
		}
	}
}

func loadLayout(imgFile string) (paging.Layout, error) {
	r, err := mmap.Open(imgFile)
	if err != nil {
		return paging.Layout{}, err
	}
	defer r.Close()

	f, err := elf.NewFile(r)
	if err != nil {
		return paging.Layout{}, fmt.Errorf("%s: %s", imgFile, err)
	}

	layout, kerr := kmain.LayoutFromElfSections(visitFileSections(f))
	if kerr != nil {
		return layout, fmt.Errorf("%s: %s", imgFile, kerr.Error())
	}
	return layout, nil
}

// buildTables builds and verifies the boot tables for layout.
func buildTables(layout *paging.Layout, cfg paging.Config) (*paging.BootTables, error) {
	bt := new(paging.BootTables)
	if err := bt.Build(layout, cfg); err != nil {
		return nil, err
	}
	if err := bt.Verify(); err != nil {
		return nil, err
	}
	return bt, nil
}

func attrString(a paging.Attrs) string {
	perm := []byte("r-x")
	if a.Writable {
		perm[1] = 'w'
	}
	if a.NoExecute {
		perm[2] = '-'
	}

	out := string(perm)
	if a.User {
		out += " user"
	}
	if a.Global {
		out += " global"
	}
	return out
}

func dumpLayout(w io.Writer, layout *paging.Layout, bt *paging.BootTables, cfg paging.Config) {
	fmt.Fprintf(w, "load address 0x%016x\n", layout.LoadAddr)
	for kind, region := range layout.Regions {
		if region.Size == 0 {
			continue
		}
		fmt.Fprintf(w, "%6s 0x%016x - 0x%016x (high 0x%016x)\n",
			paging.RegionKind(kind), region.Base, region.Base+region.Size, cfg.HighHalf.Base()+region.Base)
	}
	fmt.Fprintf(w, "root 0x%016x, %d/%d tables used\n", bt.Root(), bt.TablesUsed(), paging.TablePoolSize)
}

func dumpLeaves(w io.Writer, bt *paging.BootTables) error {
	err := bt.VisitLeaves(func(virt uint64, granule paging.Granule, leaf paging.Entry) bool {
		fmt.Fprintf(w, "0x%016x -> 0x%016x %2s %s\n", virt, leaf.Addr, granule, attrString(leaf.Attrs))
		return true
	})
	if err != nil {
		return err
	}
	return nil
}

func dumpTranslations(w io.Writer, bt *paging.BootTables, args []string) error {
	for _, arg := range args {
		virt, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid virtual address %q", arg)
		}

		tr := bt.Translate(virt)
		idx := tr.Indices
		if tr.Status != paging.StatusFound {
			fmt.Fprintf(w, "0x%016x [%3d %3d %3d %3d] %s\n", virt, idx[0], idx[1], idx[2], idx[3], tr.Status)
			continue
		}

		fmt.Fprintf(w, "0x%016x [%3d %3d %3d %3d] -> 0x%016x %2s %s\n",
			virt, idx[0], idx[1], idx[2], idx[3], tr.PhysAddr, tr.Granule, attrString(tr.Effective))
	}
	return nil
}

// lineReader is implemented by *tty.TTY.
type lineReader interface {
	ReadString() (string, error)
}

// shell translates the addresses typed by the user until an empty line or
// EOF is read.
func shell(w io.Writer, r lineReader, bt *paging.BootTables) error {
	for {
		fmt.Fprint(w, "vaddr> ")
		line, err := r.ReadString()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" || line == "q" {
			return nil
		}

		if err = dumpTranslations(w, bt, strings.Fields(line)); err != nil {
			fmt.Fprintf(w, "%s\n", err)
		}
	}
}

func runShell(bt *paging.BootTables) error {
	t, err := tty.Open()
	if err != nil {
		return err
	}
	defer t.Close()

	return shell(t.Output(), t, bt)
}

func run(w io.Writer, cmd string, args []string, cfg paging.Config) error {
	if len(args) == 0 {
		return fmt.Errorf("%s requires the path to the kernel image as an argument", cmd)
	}

	switch cmd {
	case "layout", "leaves", "translate", "shell", "image":
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	layout, err := loadLayout(args[0])
	if err != nil {
		return err
	}

	bt, err := buildTables(&layout, cfg)
	if err != nil {
		return err
	}

	switch cmd {
	case "layout":
		dumpLayout(w, &layout, bt, cfg)
	case "leaves":
		return dumpLeaves(w, bt)
	case "translate":
		return dumpTranslations(w, bt, args[1:])
	case "shell":
		return runShell(bt)
	case "image":
		if len(args) != 2 {
			return errors.New("image requires the path to the output file as an argument")
		}
		return ioutil.WriteFile(args[1], bt.Bytes(), 0644)
	}
	return nil
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if len(flag.Args()) == 0 {
		exit(errors.New("missing command"))
	}

	cfg, err := configFromFlags(*highHalfFlag, *granuleFlag, *lowMemFlag, *noExecFlag, *identityGiBFlag, *poolPhysFlag)
	if err != nil {
		exit(err)
	}

	if err = run(os.Stdout, flag.Arg(0), flag.Args()[1:], cfg); err != nil {
		exit(err)
	}
}
