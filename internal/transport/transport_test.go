package transport

import (
	"context"
	"errors"
	"testing"

	"challenge-ingest/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_UnknownTransport(t *testing.T) {
	cfg := &config.Config{}
	cfg.Broker.Transport = "sqs"

	_, err := Open(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqs")
}

func TestTransport_CloseRunsInReverse(t *testing.T) {
	var order []string
	tr := &Transport{}
	tr.push(func() error { order = append(order, "connection"); return nil })
	tr.push(func() error { order = append(order, "publisher"); return errors.New("publisher busy") })
	tr.push(func() error { order = append(order, "subscriber"); return nil })

	err := tr.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publisher busy")
	assert.Equal(t, []string{"subscriber", "publisher", "connection"}, order)

	assert.NoError(t, tr.Close())
}

func TestTransport_AbortKeepsCause(t *testing.T) {
	tr := &Transport{}
	tr.push(func() error { return nil })

	cause := errors.New("declare failed")
	err := tr.abort(cause)
	assert.ErrorIs(t, err, cause)
}
