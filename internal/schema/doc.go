// Package schema validates job payloads against the JSON schemas declared by
// a TopChef service. Schemas are compiled once and reused; validation is pure
// and reports every violation with the JSON pointer of the offending value.
package schema
