// ABOUTME: Package documentation for the property-assessment tool pack
// ABOUTME: Lists the tools and the result fields that are hidden below a given scope

// Package tools provides the gateway's domain tools over the assessment store.
// getProperty hides owner contact fields below READ_WRITE and the owner tax ID
// below ADMIN; listAppeals hides filer identity and reviewer notes below
// READ_WRITE. Missing parcels and appeals are reported in the result with
// found=false rather than as handler errors.
package tools
