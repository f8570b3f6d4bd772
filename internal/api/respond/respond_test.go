package respond

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greentrail/nudge-engine/internal/model"
)

func TestWriteError(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteBadRequest(rr, "delayId is required")

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "Bad Request", body.Error)
	assert.Equal(t, "delayId is required", body.Message)
}

func TestWriteDomainError(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("%w: bad hour", model.ErrValidation): http.StatusBadRequest,
		fmt.Errorf("%w: delay x", model.ErrNotFound):    http.StatusNotFound,
		fmt.Errorf("%w: done", model.ErrConflict):       http.StatusConflict,
		fmt.Errorf("disk full"):                         http.StatusInternalServerError,
	}
	for err, want := range cases {
		rr := httptest.NewRecorder()
		WriteDomainError(rr, err)
		assert.Equal(t, want, rr.Code, err.Error())
	}
}
