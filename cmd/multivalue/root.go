package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/mstoykov/envconfig"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/wippyai/wasm-multivalue/engine"
	"github.com/wippyai/wasm-multivalue/errors"
	"github.com/wippyai/wasm-multivalue/multivalue"
)

// OutputSuffix is appended to the input path when no output is given.
const OutputSuffix = ".multivalue.wasm"

const usageLine = "usage: multivalue [flags] <input.wasm> <\"name type type ...\">..."

// globalState is everything the command touches outside its arguments.
type globalState struct {
	fs        afero.Fs
	args      []string
	lookupEnv func(string) (string, bool)
	stdout    io.Writer
	stderr    io.Writer
}

func newGlobalState(fs afero.Fs, args []string, lookupEnv func(string) (string, bool), stdout, stderr io.Writer) *globalState {
	return &globalState{fs: fs, args: args, lookupEnv: lookupEnv, stdout: stdout, stderr: stderr}
}

// envConfig is read from MULTIVALUE_* variables. Flags given on the
// command line take precedence.
type envConfig struct {
	FrameAlign    uint32 `envconfig:"FRAME_ALIGN"`
	CheckOverflow bool   `envconfig:"CHECK_OVERFLOW"`
	Verify        bool   `envconfig:"VERIFY"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"warn"`
	NoColor       bool   `envconfig:"NO_COLOR"`
}

type rootCommand struct {
	gs     *globalState
	cmd    *cobra.Command
	logger *zap.Logger

	output             string
	frameAlign         uint32
	checkOverflow      bool
	nameWrappers       bool
	exportStackPointer bool
	verify             bool
	dryRun             bool
	verbose            bool
	noColor            bool
}

func newRootCommand(ctx context.Context, gs *globalState) *rootCommand {
	c := &rootCommand{gs: gs}
	c.cmd = &cobra.Command{
		Use:   "multivalue <input.wasm> <\"name type type ...\">...",
		Short: "Wrap multi-value exports so single-result hosts can call them",
		Long: `Rewrites each named export of a WebAssembly module to return only its
first result. The remaining results are stored on the module's shadow
stack, just below the stack pointer the call returns with.

Result types are i32, i64, f32 and f64, listed in declaration order.`,
		Example:       `  multivalue module.wasm "add_and_diff i32 i32" "minmax f64 f64"`,
		Args:          c.checkArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
		RunE: func(_ *cobra.Command, args []string) error {
			return c.run(ctx, args[0], args[1:])
		},
	}
	// cobra falls back to os.Args when given nil.
	args := gs.args
	if args == nil {
		args = []string{}
	}
	c.cmd.SetArgs(args)
	c.cmd.SetOut(gs.stdout)
	c.cmd.SetErr(gs.stderr)

	flags := c.cmd.Flags()
	flags.StringVarP(&c.output, "output", "o", "", "output path (default <input>"+OutputSuffix+")")
	flags.Uint32Var(&c.frameAlign, "frame-align", 0, "round each frame up to this power of two, 16 for the wasm32 C ABI")
	flags.BoolVar(&c.checkOverflow, "check-overflow", false, "trap instead of wrapping the stack pointer below zero")
	flags.BoolVar(&c.nameWrappers, "name-wrappers", false, "record wrapper names in the name section")
	flags.BoolVar(&c.exportStackPointer, "export-stack-pointer", false, "export the stack pointer as __stack_pointer")
	flags.BoolVar(&c.verify, "verify", false, "compile the output with wazero before writing it")
	flags.BoolVar(&c.dryRun, "dry-run", false, "transform and report without writing the output")
	flags.BoolVar(&c.noColor, "no-color", false, "disable colored output")
	c.cmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")
	return c
}

// checkArgs rejects short command lines with the usage line, whatever
// the rest of the flags say.
func (c *rootCommand) checkArgs(_ *cobra.Command, args []string) error {
	if len(args) < 2 {
		return errUsage
	}
	return nil
}

var errUsage = fmt.Errorf("%s", usageLine)

// setup merges the environment into unset flags and builds the logger.
func (c *rootCommand) setup(cmd *cobra.Command) error {
	var env envConfig
	if err := envconfig.Process("multivalue", &env, c.gs.lookupEnv); err != nil {
		return errors.InvalidInput(errors.PhaseParse, err.Error())
	}

	flags := cmd.Flags()
	if !flags.Changed("frame-align") {
		c.frameAlign = env.FrameAlign
	}
	if !flags.Changed("check-overflow") {
		c.checkOverflow = env.CheckOverflow
	}
	if !flags.Changed("verify") {
		c.verify = env.Verify
	}
	if !flags.Changed("no-color") {
		c.noColor = env.NoColor
	}

	level := env.LogLevel
	if c.verbose {
		level = "debug"
	}
	logger, err := newLogger(c.gs.stderr, level)
	if err != nil {
		return err
	}
	c.logger = logger
	multivalue.SetLogger(logger.Named("multivalue"))
	engine.SetLogger(logger.Named("engine"))

	if c.noColor || !isTerminal(c.gs.stdout) {
		color.NoColor = true
	}
	return nil
}

func newLogger(w io.Writer, level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, errors.InvalidInput(errors.PhaseParse, fmt.Sprintf("log level %q", level))
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(w), lvl)
	return zap.New(core), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (c *rootCommand) run(ctx context.Context, input string, funcs []string) error {
	defer func() { _ = c.logger.Sync() }()

	reqs, err := multivalue.ParseRequests(funcs)
	if err != nil {
		return err
	}

	data, err := afero.ReadFile(c.gs.fs, input)
	if err != nil {
		return errors.IOFailure("read input", input, err)
	}
	c.logger.Debug("read input", zap.String("path", input), zap.Int("size", len(data)))

	out, res, err := multivalue.Transform(data, reqs, multivalue.Options{
		FrameAlign:         c.frameAlign,
		CheckOverflow:      c.checkOverflow,
		NameWrappers:       c.nameWrappers,
		ExportStackPointer: c.exportStackPointer,
	})
	if err != nil {
		return err
	}

	if c.verify {
		if err := c.verifyOutput(ctx, out); err != nil {
			return err
		}
	}

	output := c.output
	if output == "" {
		output = input + OutputSuffix
	}
	if !c.dryRun {
		if err := writeAtomic(c.gs.fs, output, out); err != nil {
			return err
		}
	}

	c.report(res, output)
	return nil
}

func (c *rootCommand) verifyOutput(ctx context.Context, out []byte) error {
	eng, err := engine.NewWazeroEngineWithConfig(ctx, &engine.Config{Interpreter: true})
	if err != nil {
		return err
	}
	defer eng.Close(ctx)
	return eng.Verify(ctx, out)
}

// writeAtomic writes to a temporary file beside path and renames it over
// path. On failure path is left as it was.
func writeAtomic(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.IOFailure("create temporary output", path, err)
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = fs.Rename(tmpName, path)
	}
	if err != nil {
		_ = fs.Remove(tmpName)
		return errors.IOFailure("write output", path, err)
	}
	return nil
}

func (c *rootCommand) report(res *multivalue.Result, output string) {
	name := color.New(color.FgCyan)
	dim := color.New(color.Faint)

	for _, w := range res.Wrapped {
		fmt.Fprintf(c.gs.stdout, "%s %s: func %d -> %d, frame %d bytes, %s\n",
			color.GreenString("wrapped"),
			name.Sprint(w.Name),
			w.Original, w.Wrapper, w.FrameSize,
			dim.Sprint(w.Layout.String()))
	}
	if c.dryRun {
		fmt.Fprintf(c.gs.stdout, "%s %s not written\n", color.YellowString("dry run:"), output)
		return
	}
	fmt.Fprintf(c.gs.stdout, "wrote %s\n", output)
}

// Execute runs the command and returns the process exit code.
func Execute(ctx context.Context, gs *globalState) int {
	c := newRootCommand(ctx, gs)
	err := c.cmd.Execute()
	if err == nil {
		return 0
	}

	if err == errUsage {
		fmt.Fprintln(gs.stderr, usageLine)
		return 1
	}
	fmt.Fprintf(gs.stderr, "%s %s\n", color.RedString("error:"), strings.TrimSpace(err.Error()))
	return 1
}
