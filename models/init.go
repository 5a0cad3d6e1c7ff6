package models

// AllModels lists every model AutoMigrate must create. config.migrateDB
// ranges over this instead of naming each model inline.
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&GmailAccount{},
		&Sequence{},
		&SequenceStep{},
		&BusinessHours{},
		&Holiday{},
		&Contact{},
		&SequenceContact{},
		&EmailTracking{},
		&TrackedLink{},
		&LinkClick{},
		&EmailEvent{},
		&EmailThread{},
		&SequenceStats{},
		&SequenceHealth{},
	}
}
