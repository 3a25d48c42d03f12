package broker

import (
	"fmt"

	"broker/internal/validator"
)

// Topic is a named channel events are published to.
type Topic struct {
	ID    int64  `json:"id"`
	Name  string `json:"name" validate:"required,max=250"`
	Notes string `json:"notes,omitempty" validate:"max=1000"`
}

// Validate checks the topic before it is stored.
func (t *Topic) Validate() error {
	if err := validator.Struct(t); err != nil {
		return fmt.Errorf("%w: topic: %v", ErrValidation, err)
	}

	return nil
}
