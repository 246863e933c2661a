// Package ingest is a local stand-in for the audio ingestion endpoint, used
// in development and end-to-end tests of the upload path.
package ingest
