package compressor

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// Placeholders substituted into COMPRESSOR_ARGS after splitting.
const (
	InputPlaceholder  = "${INPUT_PDF}"
	OutputPlaceholder = "${OUTPUT_PDF}"
)

// SplitCommand splits an argument template into a slice without going through a shell.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	return args, nil
}

// ValidateArgs checks that the template names both files and carries no shell syntax.
func ValidateArgs(args []string) error {
	var hasInput, hasOutput bool
	for _, arg := range args {
		if strings.Contains(arg, InputPlaceholder) {
			hasInput = true
		}
		if strings.Contains(arg, OutputPlaceholder) {
			hasOutput = true
		}

		rest := strings.ReplaceAll(arg, InputPlaceholder, "")
		rest = strings.ReplaceAll(rest, OutputPlaceholder, "")
		if strings.ContainsAny(rest, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}

	if !hasInput {
		return fmt.Errorf("arguments must include the input placeholder '%s'", InputPlaceholder)
	}
	if !hasOutput {
		return fmt.Errorf("arguments must include the output placeholder '%s'", OutputPlaceholder)
	}
	return nil
}

// BuildArgs substitutes the file paths into a validated template.
// Paths are inserted after splitting, so spaces in them never split an argument.
func BuildArgs(template []string, inputPath, outputPath string) []string {
	args := make([]string, len(template))
	for i, arg := range template {
		arg = strings.ReplaceAll(arg, InputPlaceholder, inputPath)
		args[i] = strings.ReplaceAll(arg, OutputPlaceholder, outputPath)
	}
	return args
}
