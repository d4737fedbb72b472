//go:build !linux && !darwin

package pagemap

func osMap(uintptr) (uintptr, error) {
	return 0, ErrUnsupported
}

func osUnmap(uintptr, uintptr) error {
	return ErrUnsupported
}
