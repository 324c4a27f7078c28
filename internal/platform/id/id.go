// Package id generates stable random identifiers for domain records.
package id

import "github.com/google/uuid"

// NewID returns a new random identifier.
func NewID() (string, error) {
	generated, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return generated.String(), nil
}
