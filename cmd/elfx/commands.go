package main

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/go-kit/log/level"
	"github.com/ianlancetaylor/demangle"
	"github.com/olekukonko/tablewriter"
	elfx "github.com/wnxd/microdbg-elfx/elf"
	"github.com/wnxd/microdbg-elfx/host"
	"github.com/wnxd/microdbg-elfx/insn"
	"github.com/wnxd/microdbg-elfx/scan"
	"github.com/wnxd/microdbg-elfx/xref"
)

var (
	colorAddr   = color.New(color.FgHiBlue).SprintfFunc()
	colorName   = color.New(color.FgHiCyan).SprintFunc()
	colorMatch  = color.New(color.Bold, color.FgGreen).SprintFunc()
	colorFaint  = color.New(color.Faint).SprintFunc()
	colorThunk  = color.New(color.FgYellow).SprintFunc()
	errNoTarget = errors.New("missing argument")
)

// session is one parsed module: an ELF file mapped at the configured base,
// or a module of a live process when a pid is given.
type session struct {
	cfg   config
	img   host.Process
	mod   *elfx.Module
	out   io.Writer
	close func() error
}

func open(cfg config, target string, out io.Writer) (*session, error) {
	if cfg.pid != 0 {
		p, m, closer, err := openLive(cfg, target)
		if err != nil {
			return nil, err
		}
		return &session{cfg: cfg, img: p, mod: m, out: out, close: closer}, nil
	}
	img, mod, err := elfx.Load(target, cfg.base)
	if err != nil {
		return nil, err
	}
	m, err := elfx.New(img, mod,
		elfx.WithSymbolScanLimit(cfg.symbolLimit),
		elfx.WithProtector(img),
		elfx.WithFixers(elfx.NewFileFixer(target)),
		elfx.WithLogger(cfg.logger),
	)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, img: img, mod: m, out: out, close: func() error { return nil }}, nil
}

func run(cfg config, cmd, path string, args []string) error {
	s, err := open(cfg, path, os.Stdout)
	if err != nil {
		return err
	}
	defer s.close()
	arg := func() (string, error) {
		if len(args) == 0 {
			return "", fmt.Errorf("%s: %w", cmd, errNoTarget)
		}
		return args[0], nil
	}
	switch cmd {
	case "info":
		return s.info()
	case "symbols":
		return s.symbols()
	case "sections":
		return s.sections()
	case "find":
		p, err := arg()
		if err != nil {
			return err
		}
		return s.find(p)
	case "xref":
		a, err := arg()
		if err != nil {
			return err
		}
		addr, err := s.resolve(a)
		if err != nil {
			return err
		}
		return s.xref(addr)
	case "callers":
		str, err := arg()
		if err != nil {
			return err
		}
		return s.callers(str)
	case "thunk":
		a, err := arg()
		if err != nil {
			return err
		}
		addr, err := s.resolve(a)
		if err != nil {
			return err
		}
		return s.thunk(addr)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// resolve accepts a symbol name, an absolute address or +offset from the base.
func (s *session) resolve(arg string) (uint64, error) {
	if off, ok := strings.CutPrefix(arg, "+"); ok {
		v, err := parseAddr(off)
		return s.mod.Base() + v, err
	}
	if v, err := parseAddr(arg); err == nil {
		return v, nil
	}
	return s.mod.FindSymbol(arg)
}

func (s *session) name(sym *elfx.Symbol) string {
	if s.cfg.demangle {
		return demangle.Filter(sym.Name)
	}
	return sym.Name
}

// scanRange is the configured section, or the whole module when the
// section headers are gone.
func (s *session) scanRange() host.Range {
	r, err := s.mod.Section(s.cfg.section)
	if err != nil {
		level.Warn(s.cfg.logger).Log("msg", "scanning whole module", "err", err)
		return s.mod.Range()
	}
	return r
}

func newTable(out io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	if len(header) > 0 {
		table.SetHeader(header)
	}
	return table
}

func (s *session) info() error {
	im := s.mod.Image()
	table := newTable(s.out)
	defer table.Render()

	table.Append([]string{"module", s.mod.Name()})
	table.Append([]string{"range", s.mod.Range().String()})
	table.Append([]string{"class", im.Class().String()})
	table.Append([]string{"machine", im.Header.Machine.String()})
	table.Append([]string{"type", im.Header.Type.String()})
	si := s.mod.Soinfo()
	if si == nil {
		table.Append([]string{"dynamic", elfx.ErrNoDynamic.Error()})
		return nil
	}
	table.Append([]string{"soname", s.mod.Soname()})
	table.Append([]string{"needed", strings.Join(s.mod.Needed(), ", ")})
	table.Append([]string{"strtab", fmt.Sprintf("%#x (%d bytes)", si.Strtab, si.StrtabSize)})
	table.Append([]string{"symtab", fmt.Sprintf("%#x", si.Symtab)})
	table.Append([]string{"relocations", fmt.Sprintf("%d + %d plt (%s)", si.RelaCount+si.RelCount, si.PltCount, si.PltType)})
	if si.Relr != 0 {
		table.Append([]string{"relr", fmt.Sprintf("%#x (%d bytes)", si.Relr, si.RelrSize)})
	}
	for i, v := range s.mod.InitArray() {
		table.Append([]string{fmt.Sprintf("init_array[%d]", i), fmt.Sprintf("%#x", v)})
	}
	return nil
}

func (s *session) symbols() error {
	table := newTable(s.out, "Address", "Type", "Bind", "Table", "Name", "Slot")
	defer table.Render()

	for sym := range s.mod.Symbols {
		if sym.Name == "" {
			continue
		}
		slot := ""
		if sym.Slot != 0 {
			slot = colorFaint(fmt.Sprintf("%#x", sym.Slot))
		}
		kind := "dyn"
		if !sym.Dynamic {
			kind = "static"
		}
		table.Append([]string{colorAddr("%#016x", sym.Addr), symType(sym.Type()), symBind(sym.Bind()), kind, colorName(s.name(sym)), slot})
	}
	return nil
}

func symType(t elf.SymType) string {
	return strings.ToLower(strings.TrimPrefix(t.String(), "STT_"))
}

func symBind(b elf.SymBind) string {
	return strings.ToLower(strings.TrimPrefix(b.String(), "STB_"))
}

func (s *session) sections() error {
	sections := s.mod.Sections()
	if len(sections) == 0 {
		return errors.New("no section headers")
	}
	table := newTable(s.out, "Nr", "Name", "Type", "Address", "Size", "Flags")
	defer table.Render()

	for i, sh := range sections {
		table.Append([]string{
			fmt.Sprintf("%d", i),
			colorName(sh.Name),
			sh.Type.String(),
			fmt.Sprintf("%#x", sh.Addr),
			fmt.Sprintf("%#x", sh.Size),
			sh.Flags.String(),
		})
	}
	return nil
}

func (s *session) find(pattern string) error {
	p, err := scan.ParsePattern(pattern)
	if err != nil {
		return err
	}
	hits, err := scan.NewScanner(s.img).Scan(s.mod.Range(), p)
	if err != nil {
		return err
	}
	for _, hit := range hits {
		fmt.Fprintln(s.out, colorMatch(s.mod.FromAddress(hit)))
	}
	return nil
}

func (s *session) scanXrefs(target uint64) ([]*xref.Adrl, error) {
	x := xref.New(target, s.img, xref.WithProtector(s.img), xref.WithLogger(s.cfg.logger))
	if s.cfg.slow {
		return x.ScanAdrlSlow(s.scanRange(), s.cfg.maxGap)
	}
	return x.ScanAdrl(s.scanRange(), s.cfg.maxGap)
}

func (s *session) xref(target uint64) error {
	matches, err := s.scanXrefs(target)
	if err != nil {
		return err
	}
	for _, m := range matches {
		fmt.Fprintf(s.out, "%s\t%s\n", colorMatch(s.mod.FromAddress(m.Addr())), m)
	}
	level.Info(s.cfg.logger).Log("msg", "xref scan done", "target", fmt.Sprintf("%#x", target), "matches", len(matches))
	return nil
}

// callers finds the string literal, every adrp/add that materialises it,
// and the first call after each reference, following thunks.
func (s *session) callers(str string) error {
	hits, err := scan.NewScanner(s.img).Scan(s.mod.Range(), scan.CString(str))
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		return fmt.Errorf("string %q not found", str)
	}
	dec := insn.NewDecoder(s.img)
	for _, hit := range hits {
		matches, err := s.scanXrefs(hit)
		if err != nil {
			return err
		}
		for _, m := range matches {
			line := fmt.Sprintf("%s\t%s", colorAddr("%#x", hit), colorMatch(s.mod.FromAddress(m.Addr())))
			bl, ok := m.ScanBL(s.cfg.maxGap)
			if !ok {
				fmt.Fprintln(s.out, line)
				continue
			}
			callee, _ := bl.BranchTarget()
			line += "\tbl " + s.mod.FromAddress(callee)
			if target, ok := insn.ResolveThunk(dec, callee); ok {
				line += "\t" + colorThunk("thunk -> "+s.mod.FromAddress(target))
			}
			fmt.Fprintln(s.out, line)
		}
	}
	return nil
}

func (s *session) thunk(addr uint64) error {
	r := insn.NewSubroutine(insn.NewDecoder(s.img), addr).ScoreThunk()
	for _, in := range r.Insns {
		fmt.Fprintf(s.out, "%s\t%s\n", colorAddr("%#x", in.Addr), in)
	}
	verdict := "function"
	if r.IsThunk() {
		verdict = colorThunk("thunk (indirect)")
		if target, ok := r.Target(); ok {
			verdict = colorThunk("thunk -> " + s.mod.FromAddress(target))
		}
	}
	fmt.Fprintf(s.out, "score %d: %s\n", r.Score, verdict)
	return nil
}
