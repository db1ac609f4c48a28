package util

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
)

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(fireflycontext.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_GivesUp(t *testing.T) {
	calls := 0
	err := Retry(fireflycontext.Background(), 2, time.Millisecond, func() error {
		calls++
		return fmt.Errorf("still broken")
	})
	assert.EqualError(t, err, "still broken")
	assert.Equal(t, 2, calls)
}

func TestRetry_StopsOnClientError(t *testing.T) {
	calls := 0
	err := Retry(fireflycontext.Background(), 5, time.Millisecond, func() error {
		calls++
		return &fireflyerrors.ErrInvalidArgument{Name: "rootFolder"}
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
