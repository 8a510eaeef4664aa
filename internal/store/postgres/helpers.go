package postgres

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"qline/internal/models"
	"qline/internal/realtime"
)

// qualifiedTicketColumns prefixes the ticket column list with a table
// alias for queries that join against a CTE.
func qualifiedTicketColumns(table string) string {
	columns := strings.Split(ticketColumns, ",")
	for i, column := range columns {
		columns[i] = table + "." + strings.TrimSpace(column)
	}
	return strings.Join(columns, ", ")
}

func sessionPayload(session models.Session) ([]byte, error) {
	return json.Marshal(realtime.SessionPayload{
		SessionID: session.SessionID,
		UnitID:    session.UnitID,
		UserID:    session.UserID,
		Status:    session.Status,
	})
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	s := value.String
	return &s
}
