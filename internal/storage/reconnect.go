package storage

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/contract-discovery/internal/metrics"
	"github.com/smartdevs17/contract-discovery/pkg/utils"
)

var connectionErrorTokens = []string{
	"bad connection",
	"database is closed",
	"connection reset",
	"connection refused",
	"broken pipe",
	"unexpected eof",
	"server closed the connection",
	"terminating connection",
	"database not connected",
}

// isConnectionError reports whether err means the session was lost rather
// than the statement being rejected
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// class 08: connection exception, 57P01..57P03: server shutdown
		return pqErr.Code.Class() == "08" || strings.HasPrefix(string(pqErr.Code), "57P0")
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	lower := strings.ToLower(err.Error())
	for _, token := range connectionErrorTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// retryOnReconnect runs op; on a connection error it reconnects and runs op
// exactly once more. Any remaining failure is a persistence failure.
func retryOnReconnect(reconnect func() error, m *metrics.PrometheusMetrics, logger *logrus.Logger, what string, op func() error) error {
	err := op()
	if err == nil {
		return nil
	}
	if !isConnectionError(err) {
		return utils.WrapError(utils.KindPersistenceFailure, utils.ErrCodeDatabase, "Failed to "+what, err)
	}

	logger.WithError(err).WithField("operation", what).Warn("Database connection lost, reconnecting")
	m.RecordDatabaseReconnect()
	if rerr := reconnect(); rerr != nil {
		return utils.WrapError(utils.KindPersistenceFailure, utils.ErrCodeDatabase, "Failed to reconnect", rerr)
	}

	if err := op(); err != nil {
		return utils.WrapError(utils.KindPersistenceFailure, utils.ErrCodeDatabase, "Failed to "+what+" after reconnect", err)
	}
	return nil
}
