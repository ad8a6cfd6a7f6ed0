package qds

import "errors"

var (
	ErrInvalidMagic     = errors.New("invalid QDS magic")
	ErrUnsupportedMajor = errors.New("unsupported QDS major version")
	ErrCorruptFile      = errors.New("corrupt QDS file")
	ErrTensorNotFound   = errors.New("tensor not found in dataset")
)
