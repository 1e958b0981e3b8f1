package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/willibrandon/ChronoDump/pkg/config"
	"github.com/willibrandon/ChronoDump/pkg/minidump"
	"github.com/willibrandon/ChronoDump/pkg/sink"
)

var dumpFlags struct {
	pid      int
	tid      int
	output   string
	compress string
	sanitize bool
	extra    []string
	force    bool
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Write a minidump of a running process",
	Example: `  chronodump dump --pid 1234
  chronodump dump --pid 1234 --tid 1240 --output crash.dmp --compress zstd
  chronodump dump --pid 1234 --extra 0x7f00001000:4KiB --sanitize`,
	Args: cobra.NoArgs,
	RunE: runDump,
}

func init() {
	f := dumpCmd.Flags()
	f.IntVarP(&dumpFlags.pid, "pid", "p", 0, "process id to dump")
	f.IntVarP(&dumpFlags.tid, "tid", "t", 0, "faulting or requesting thread id")
	f.StringVarP(&dumpFlags.output, "output", "o", "", "output file, - for stdout (default <pid>.dmp)")
	f.StringVar(&dumpFlags.compress, "compress", "", "compression: none or zstd")
	f.BoolVar(&dumpFlags.sanitize, "sanitize", false, "scrub stack memory that does not look like pointers")
	f.StringSliceVar(&dumpFlags.extra, "extra", nil, "extra memory to capture as addr:len")
	f.BoolVarP(&dumpFlags.force, "force", "f", false, "write to stdout even when it is a terminal")
	dumpCmd.MarkFlagRequired("pid")
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		var err error
		if cfg, err = config.Load(cfgFile); err != nil {
			return cfg, err
		}
	}
	if cmd.Flags().Changed("compress") {
		cfg.Compression = dumpFlags.compress
	}
	if dumpFlags.sanitize {
		cfg.Sanitize = true
	}
	return cfg, cfg.Validate()
}

func runDump(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log.SetLevel(cfg.Level())
	if Verbose {
		log.SetLevel(log.DebugLevel)
	}

	extra, err := parseRegions(dumpFlags.extra)
	if err != nil {
		return err
	}
	wopts, err := cfg.WriterOptions()
	if err != nil {
		return err
	}
	sopts, err := cfg.SinkOptions()
	if err != nil {
		return err
	}

	output := dumpFlags.output
	if output == "" {
		output = fmt.Sprintf("%d.dmp", dumpFlags.pid)
	}
	if output == "-" && !dumpFlags.force && isTerminal(os.Stdout.Fd()) {
		return errors.New("refusing to write a minidump to a terminal, use --force")
	}

	w, err := minidump.Create(minidump.Target{PID: dumpFlags.pid, TID: dumpFlags.tid}, wopts...)
	if err != nil {
		return err
	}
	defer w.Close()
	if cfg.Sanitize {
		w.SanitizeStack()
	}
	w.SetExtraMemory(extra...)

	if output == "-" {
		return dumpToStdout(w, sopts)
	}

	f, err := sink.NewFile(output, sopts...)
	if err != nil {
		return err
	}
	if err := w.Dump(f); err != nil {
		if aerr := f.Abort(); aerr != nil {
			log.WithError(aerr).Warn("removing temporary dump")
		}
		return err
	}
	if err := f.Commit(); err != nil {
		return err
	}

	fields := log.Fields{"pid": dumpFlags.pid, "path": output}
	if info, err := os.Stat(output); err == nil {
		fields["size"] = humanize.Bytes(uint64(info.Size()))
	}
	log.WithFields(fields).Info("minidump written")
	return nil
}

func isTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func dumpToStdout(w *minidump.Writer, fns []func(*sink.Options)) error {
	opts := sink.DefaultOptions()
	for _, fn := range fns {
		fn(&opts)
	}
	var buf bytes.Buffer
	if err := w.Dump(&buf); err != nil {
		return err
	}
	data, err := sink.Seal(buf.Bytes(), opts)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

// parseRegions parses addr:len pairs. Addresses accept Go integer
// syntax; lengths also accept humanized sizes such as 4KiB.
func parseRegions(args []string) ([]minidump.MemoryRegion, error) {
	var regions []minidump.MemoryRegion
	for _, arg := range args {
		addrStr, lenStr, ok := strings.Cut(arg, ":")
		if !ok {
			return nil, fmt.Errorf("extra memory %q: want addr:len", arg)
		}
		addr, err := strconv.ParseUint(addrStr, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("extra memory %q: address: %w", arg, err)
		}
		length, err := strconv.ParseUint(lenStr, 0, 32)
		if err != nil {
			if length, err = humanize.ParseBytes(lenStr); err != nil {
				return nil, fmt.Errorf("extra memory %q: length: %w", arg, err)
			}
		}
		if length == 0 {
			return nil, fmt.Errorf("extra memory %q: zero length", arg)
		}
		regions = append(regions, minidump.MemoryRegion{Addr: addr, Length: int(length)})
	}
	return regions, nil
}
