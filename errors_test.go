package mypp

import (
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerErrorWrapsDriverError(t *testing.T) {
	cause := &mysql.MySQLError{
		Number:   1045,
		SQLState: [5]byte{'2', '8', '0', '0', '0'},
		Message:  "Access denied",
	}
	err := serverErr(ErrConnection, cause)

	assert.ErrorIs(t, err, ErrConnection)
	var my *mysql.MySQLError
	require.ErrorAs(t, err, &my)
	assert.Same(t, cause, my)

	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, uint16(1045), se.Number)
	assert.Equal(t, "28000", se.SQLState)
	assert.Equal(t, "Access denied", se.Message)
	assert.Contains(t, err.Error(), "1045")
	assert.Contains(t, err.Error(), "28000")
}

func TestServerErrorTransportLevel(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := serverErr(ErrQuery, cause)

	assert.ErrorIs(t, err, ErrQuery)
	assert.ErrorIs(t, err, cause)

	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Zero(t, se.Number)
	assert.Contains(t, se.Message, "connection refused")
}

func TestServerErrorNil(t *testing.T) {
	assert.NoError(t, serverErr(ErrExecute, nil))
}

func TestStateErr(t *testing.T) {
	err := stateErr("Fetch", StatePrepared.String())
	assert.ErrorIs(t, err, ErrState)
	assert.Contains(t, err.Error(), "Fetch")
	assert.Contains(t, err.Error(), "prepared")
}
