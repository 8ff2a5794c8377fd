//go:build accelerate

package main

// #cgo LDFLAGS: -framework Accelerate
import "C"
import (
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

// Built with -tags accelerate, gonum's matrix products run on Apple's
// Accelerate BLAS.
func init() {
	blas64.Use(netlib.Implementation{})
}
