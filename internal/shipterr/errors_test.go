package shipterr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubprocessErrorWrapsAndUnwraps(t *testing.T) {
	base := NewSubprocessError("git clone failed", 128, []byte("fatal: repo not found"))
	wrapped := fmt.Errorf("clone stage: %w", base)

	var target *SubprocessError
	assert.True(t, errors.As(wrapped, &target))
	assert.Equal(t, 128, target.ExitCode)
}

func TestClientErrorMessage(t *testing.T) {
	err := NewClientError("missing repository.full_name")
	assert.Equal(t, "missing repository.full_name", err.Error())
}

func TestDeployErrorFormatsMessage(t *testing.T) {
	err := NewDeployError("giving up on deploy after %d attempts", 6)
	assert.Equal(t, "giving up on deploy after 6 attempts", err.Error())
}
