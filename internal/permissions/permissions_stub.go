//go:build !darwin

package permissions

// CheckMicrophone is a no-op on platforms without a capture permission model.
func CheckMicrophone() error {
	return nil
}
