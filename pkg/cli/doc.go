/*
Package cli provides helpers shared by the concord command.

Output Formatting:

Results are written as text, JSON or YAML according to --format:

	format, err := cli.ParseFormat(flags.format)
	if err != nil {
		return err
	}
	return cli.NewFormatter(format).FormatTo(os.Stdout, result)

Text output uses Table for aligned columns and OK, Warn and Fail for
status lines.

Exit Codes:

ExitCode maps a command error to the process status: 2 for configuration
errors, 3 for invalid rule bundles and 1 for everything else.

Signal Handling:

	ctx, stop := cli.SetupSignalHandler(context.Background())
	defer stop()
*/
package cli
