package tenantdb

import "fmt"

// tenantDDL returns the statements that build one tenant's booking
// schema. %[1]s is the schema name, validated by the caller.
func tenantDDL(schema string) []string {
	raw := []string{
		`CREATE SCHEMA IF NOT EXISTS %[1]s`,

		`CREATE TABLE IF NOT EXISTS %[1]s.users (
			id BIGSERIAL PRIMARY KEY,
			contact_id BIGINT NOT NULL,
			username TEXT,
			first_name TEXT,
			last_name TEXT,
			phone TEXT,
			language TEXT NOT NULL DEFAULT 'en',
			blocked BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT users_contact_id_key UNIQUE (contact_id)
		)`,

		`CREATE TABLE IF NOT EXISTS %[1]s.services (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			duration_minutes INT NOT NULL DEFAULT 60,
			price_minor BIGINT NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT 'USD',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			position INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS %[1]s.bookings (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES %[1]s.users (id),
			service_id BIGINT REFERENCES %[1]s.services (id),
			booking_date DATE NOT NULL,
			booking_time TIME NOT NULL,
			status TEXT NOT NULL DEFAULT 'confirmed',
			comment TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT bookings_slot_key UNIQUE (booking_date, booking_time)
		)`,

		`CREATE TABLE IF NOT EXISTS %[1]s.admins (
			id BIGSERIAL PRIMARY KEY,
			contact_id BIGINT NOT NULL,
			role TEXT NOT NULL DEFAULT 'admin',
			added_by BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT admins_contact_id_key UNIQUE (contact_id)
		)`,

		`CREATE TABLE IF NOT EXISTS %[1]s.blocked_slots (
			id BIGSERIAL PRIMARY KEY,
			slot_date DATE NOT NULL,
			slot_time TIME,
			reason TEXT,
			created_by BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS %[1]s.feedback (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT REFERENCES %[1]s.users (id),
			booking_id BIGINT REFERENCES %[1]s.bookings (id),
			rating INT,
			comment TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS %[1]s.booking_history (
			id BIGSERIAL PRIMARY KEY,
			booking_id BIGINT NOT NULL,
			action TEXT NOT NULL,
			actor_contact_id BIGINT,
			detail JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS %[1]s.audit (
			id BIGSERIAL PRIMARY KEY,
			actor_contact_id BIGINT,
			action TEXT NOT NULL,
			detail JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS %[1]s.settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS %[1]s.text_templates (
			key TEXT PRIMARY KEY,
			language TEXT NOT NULL DEFAULT 'en',
			body TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE INDEX IF NOT EXISTS bookings_date_idx
			ON %[1]s.bookings (booking_date)`,
		`CREATE INDEX IF NOT EXISTS bookings_user_idx
			ON %[1]s.bookings (user_id)`,
		`CREATE INDEX IF NOT EXISTS blocked_slots_date_idx
			ON %[1]s.blocked_slots (slot_date)`,
	}

	stmts := make([]string, 0, len(raw))
	for _, s := range raw {
		stmts = append(stmts, fmt.Sprintf(s, schema))
	}
	return stmts
}

// TenantDDL exposes the statements for the migrate tool's dry-run output.
func TenantDDL(schema string) []string {
	return tenantDDL(schema)
}
