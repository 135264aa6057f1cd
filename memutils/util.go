package memutils

import (
	"github.com/pkg/errors"
)

type Number interface {
	~int | ~uint
}

// PowerOfTwoError is the error returned from CheckPow2 when the number being tested
// is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return errors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the nearest multiple of alignment. Alignment must be
// a power of two.
func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignDown rounds value down to the nearest multiple of alignment. Alignment must
// be a power of two.
func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}
