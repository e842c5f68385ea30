package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	flag "github.com/spf13/pflag"
	"github.com/wnxd/microdbg-elfx/elf"
	"github.com/wnxd/microdbg-elfx/xref"
	"github.com/xyproto/env/v2"
)

const usage = `usage: elfx [flags] <command> <file|module> [args]

commands:
  info     <file>            dynamic table summary
  symbols  <file>            dynamic and recovered static symbols
  sections <file>            section headers
  find     <file> <pattern>  raw byte pattern scan, e.g. "1f 20 03 d5"
  xref     <file> <addr>     ADRP/ADD references to an address
  callers  <file> <string>   functions referencing a string literal
  thunk    <file> <addr>     thunk score of the code at an address

flags:
`

type config struct {
	pid         int
	base        uint64
	symbolLimit int
	maxGap      int
	demangle    bool
	slow        bool
	section     string
	logger      log.Logger
}

func main() {
	logLevel := flag.String("log-level", env.Str("ELFX_LOG_LEVEL", "info"), "debug, info, warn or error")
	base := flag.String("base", env.Str("ELFX_BASE", strconv.FormatUint(elf.DefaultLoadBase, 16)), "hex load address of the image")
	symbolLimit := flag.Int("symbol-limit", env.Int("ELFX_SYMBOL_LIMIT", elf.DefaultSymbolScanLimit), "maximum number of dynamic symbols scanned")
	maxGap := flag.Int("max-gap", env.Int("ELFX_MAX_GAP", xref.DefaultMaxGap), "instructions searched after an ADRP for its ADD")
	noColor := flag.Bool("no-color", env.Bool("ELFX_NO_COLOR"), "disable colored output")
	demangle := flag.BoolP("demangle", "C", false, "demangle C++ and Rust symbol names")
	slow := flag.Bool("slow", false, "verify xrefs page by page instead of with wildcard patterns")
	section := flag.StringP("section", "s", ".text", "section scanned for xrefs, the whole module if absent")
	pid := flag.IntP("pid", "p", 0, "inspect a module of a running process; <file> is then the module name")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, level.Allow(level.ParseDefault(*logLevel, level.InfoValue())))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	color.NoColor = color.NoColor || *noColor

	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(2)
	}
	addr, err := parseAddr(*base)
	if err != nil {
		level.Error(logger).Log("msg", "invalid --base", "err", err)
		os.Exit(2)
	}
	cfg := config{
		pid:         *pid,
		base:        addr,
		symbolLimit: *symbolLimit,
		maxGap:      *maxGap,
		demangle:    *demangle,
		slow:        *slow,
		section:     *section,
		logger:      logger,
	}
	if err := run(cfg, flag.Arg(0), flag.Arg(1), flag.Args()[2:]); err != nil {
		level.Error(logger).Log("msg", "command failed", "command", flag.Arg(0), "err", err)
		os.Exit(1)
	}
}

func parseAddr(s string) (uint64, error) {
	if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	return strconv.ParseUint(s, 16, 64)
}
