package main

import (
	"os"

	"github.com/urfave/cli/v3"

	"github.com/lowbitml/quantsim/internal/logger"
)

var (
	logLevel  string
	logFormat string

	weightQuant     string
	activationQuant string
	weightBits      int64
	activationBits  int64
	movingRate      float64
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
	}
}

func quantFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "weight-quant",
			Usage:       "weight strategy (abs_max, moving_average_abs_max, channel_wise_abs_max)",
			Value:       "abs_max",
			Destination: &weightQuant,
		},
		&cli.StringFlag{
			Name:        "activation-quant",
			Usage:       "activation strategy (abs_max, moving_average_abs_max)",
			Value:       "moving_average_abs_max",
			Destination: &activationQuant,
		},
		&cli.Int64Flag{
			Name:        "weight-bits",
			Usage:       "weight quantization bit length",
			Value:       8,
			Destination: &weightBits,
		},
		&cli.Int64Flag{
			Name:        "activation-bits",
			Usage:       "activation quantization bit length",
			Value:       8,
			Destination: &activationBits,
		},
		&cli.Float64Flag{
			Name:        "moving-rate",
			Usage:       "moving-average decay rate in (0,1)",
			Value:       0.9,
			Destination: &movingRate,
		},
	}
}

func newLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	switch logFormat {
	case "json":
		return logger.JSON(os.Stderr, level)
	case "text":
		return logger.Text(os.Stderr, level)
	default:
		return logger.Pretty(os.Stderr, level)
	}
}
