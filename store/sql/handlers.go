package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

func entityMappingHandlers() repository.ModelHandlers[*entityMappingRecord] {
	return repository.ModelHandlers[*entityMappingRecord]{
		NewRecord: func() *entityMappingRecord {
			return &entityMappingRecord{}
		},
		GetID: func(record *entityMappingRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *entityMappingRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *entityMappingRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func retryTaskHandlers() repository.ModelHandlers[*retryTaskRecord] {
	return repository.ModelHandlers[*retryTaskRecord]{
		NewRecord: func() *retryTaskRecord {
			return &retryTaskRecord{}
		},
		GetID: func(record *retryTaskRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *retryTaskRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *retryTaskRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func deadLetterHandlers() repository.ModelHandlers[*deadLetterRecord] {
	return repository.ModelHandlers[*deadLetterRecord]{
		NewRecord: func() *deadLetterRecord {
			return &deadLetterRecord{}
		},
		GetID: func(record *deadLetterRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *deadLetterRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *deadLetterRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func webhookDeliveryHandlers() repository.ModelHandlers[*webhookDeliveryRecord] {
	return repository.ModelHandlers[*webhookDeliveryRecord]{
		NewRecord: func() *webhookDeliveryRecord {
			return &webhookDeliveryRecord{}
		},
		GetID: func(record *webhookDeliveryRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *webhookDeliveryRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *webhookDeliveryRecord) string {
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
