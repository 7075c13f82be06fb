package entities

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/samber/lo"
)

const (
	ArgsSeparator = ";"

	StatusEncodingWait     = "wait"
	StatusEncodingExitCode = "exitcode"

	DefaultPipeSize    = 1 << 20
	DefaultKillGraceMs = 500

	EnvPipeSize       = "INTERACTIVE_PIPE_SIZE"
	EnvStatusEncoding = "INTERACTIVE_STATUS_ENCODING"
	EnvKillGraceMs    = "INTERACTIVE_KILL_GRACE_MS"
)

var (
	ErrMissingArguments    = errors.New("Missing report fd or wall time limit")
	ErrEmptyValidatorArgs  = errors.New("Empty validator argument list")
	ErrEmptySubmissionArgs = errors.New("Empty submission argument list")
)

type InteractiveConfig struct {
	ReportFd         int      `mapstructure:"report_fd" validate:"gte=0"`
	WallTimeLimitSec int      `mapstructure:"wall_time_limit" validate:"gte=0"`
	Validator        []string `mapstructure:"validator" validate:"required,min=1,dive,required"`
	Submission       []string `mapstructure:"submission" validate:"required,min=1,dive,required"`
	PipeSize         int      `mapstructure:"pipe_size" validate:"gte=0"`
	StatusEncoding   string   `mapstructure:"status_encoding" validate:"oneof=wait exitcode"`
	KillGraceMs      uint64   `mapstructure:"kill_grace_ms"`
}

// MakePayload turns the command line into the payload decoded by LoadConfig.
// The first two arguments are the report fd and the wall time limit, the rest
// is the validator command and the submission command separated by ";".
func MakePayload(args []string, lookupEnv func(string) (string, bool)) (map[string]interface{}, error) {
	if len(args) < 2 {
		return nil, ErrMissingArguments
	}

	var (
		commands       = args[2:]
		validatorArgs  = commands
		submissionArgs []string
	)
	if separator := lo.IndexOf(commands, ArgsSeparator); separator >= 0 {
		validatorArgs = commands[:separator]
		submissionArgs = commands[separator+1:]
	}

	if len(validatorArgs) == 0 {
		return nil, ErrEmptyValidatorArgs
	}
	if len(submissionArgs) == 0 {
		return nil, ErrEmptySubmissionArgs
	}

	payload := map[string]interface{}{
		"report_fd":       args[0],
		"wall_time_limit": args[1],
		"validator":       validatorArgs,
		"submission":      submissionArgs,
		"pipe_size":       DefaultPipeSize,
		"status_encoding": StatusEncodingWait,
		"kill_grace_ms":   DefaultKillGraceMs,
	}

	for env, key := range map[string]string{
		EnvPipeSize:       "pipe_size",
		EnvStatusEncoding: "status_encoding",
		EnvKillGraceMs:    "kill_grace_ms",
	} {
		if value, ok := lookupEnv(env); ok && value != "" {
			payload[key] = value
		}
	}

	return payload, nil
}

func LoadConfig(args []string, lookupEnv func(string) (string, bool)) (*InteractiveConfig, error) {
	payload, err := MakePayload(args, lookupEnv)
	if err != nil {
		return nil, err
	}

	var config InteractiveConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &config,
	})
	if err != nil {
		return nil, fmt.Errorf("Error creating the decoder: %w", err)
	}
	if err := decoder.Decode(payload); err != nil {
		return nil, fmt.Errorf("Error decoding the arguments: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("Invalid arguments: %w", err)
	}

	return &config, nil
}
