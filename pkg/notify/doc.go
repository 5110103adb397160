// Package notify delivers the end-of-job summary.
//
// This package includes:
//   - Summary: builds the subject and body from a finished checkpoint
//   - LogNotifier: writes the summary to a slog.Logger
//   - WebhookNotifier: POSTs the summary as JSON, retrying with backoff
//   - MailNotifier: sends the summary over SMTP
//   - Multi: fans one summary out to several notifiers
package notify
