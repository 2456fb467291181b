package payment

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Identity is the set of references embedded in a payment description.
type Identity struct {
	PatientID     *uuid.UUID
	DoctorID      *uuid.UUID
	EncounterID   *uuid.UUID
	AppointmentID *uuid.UUID
}

const tokenSep = " | "

// Enrich appends "key: value" identity tokens to text so that the stored
// description can later be mined for references.
func Enrich(text string, id Identity) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(text))
	add := func(key string, v *uuid.UUID) {
		if v == nil {
			return
		}
		b.WriteString(tokenSep)
		b.WriteString(key)
		b.WriteString(": ")
		b.WriteString(v.String())
	}
	add("patient_id", id.PatientID)
	add("doctor_id", id.DoctorID)
	add("encounter_id", id.EncounterID)
	add("appointment_id", id.AppointmentID)
	return b.String()
}

// Truncate shortens s to at most limit runes.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}

var tokenPattern = regexp.MustCompile(`(?i)\b(patient_id|doctor_id|encounter_id|appointment_id)\s*[:=]\s*([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})`)

// ParseIdentityTokens extracts identity tokens from a description. The first
// occurrence of each key wins.
func ParseIdentityTokens(desc string) Identity {
	var id Identity
	for _, m := range tokenPattern.FindAllStringSubmatch(desc, -1) {
		v, err := uuid.Parse(m[2])
		if err != nil {
			continue
		}
		var slot **uuid.UUID
		switch strings.ToLower(m[1]) {
		case "patient_id":
			slot = &id.PatientID
		case "doctor_id":
			slot = &id.DoctorID
		case "encounter_id":
			slot = &id.EncounterID
		case "appointment_id":
			slot = &id.AppointmentID
		}
		if *slot == nil {
			*slot = &v
		}
	}
	return id
}
