package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

func runHandlers() repository.ModelHandlers[*runRecord] {
	return repository.ModelHandlers[*runRecord]{
		NewRecord: func() *runRecord {
			return &runRecord{}
		},
		GetID: func(record *runRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *runRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *runRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func dedupEntryHandlers() repository.ModelHandlers[*dedupEntryRecord] {
	return repository.ModelHandlers[*dedupEntryRecord]{
		NewRecord: func() *dedupEntryRecord {
			return &dedupEntryRecord{}
		},
		GetID: func(record *dedupEntryRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *dedupEntryRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *dedupEntryRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func deliveryJobHandlers() repository.ModelHandlers[*deliveryJobRecord] {
	return repository.ModelHandlers[*deliveryJobRecord]{
		NewRecord: func() *deliveryJobRecord {
			return &deliveryJobRecord{}
		},
		GetID: func(record *deliveryJobRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *deliveryJobRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *deliveryJobRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func decisionReportHandlers() repository.ModelHandlers[*decisionReportRecord] {
	return repository.ModelHandlers[*decisionReportRecord]{
		NewRecord: func() *decisionReportRecord {
			return &decisionReportRecord{}
		},
		GetID: func(record *decisionReportRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *decisionReportRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *decisionReportRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}
