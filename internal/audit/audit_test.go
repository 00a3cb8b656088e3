package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoop_NeverPanics(t *testing.T) {
	var l Log = Noop{}
	l.RecordConnect("management", "tok-1")
	l.RecordResume("extensionHost", "tok-2")
	l.RecordReject("Duplicate reconnection token.")
}

func TestOpen_RejectsMalformedDSN(t *testing.T) {
	_, err := Open("this is not a postgres connection string", nil)
	assert.Error(t, err)
}
