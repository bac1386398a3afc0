// Package history keeps batch records for the batch list, detail and report
// endpoints. Records are held in memory and dropped after the configured
// retention (three days by default).
package history
