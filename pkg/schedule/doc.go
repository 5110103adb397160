// Package schedule provides the recurring kick-off schedules for replication jobs.
//
// This package includes:
//   - Schedule interface for defining kick-off times
//   - Every() for fixed-interval schedules
//   - Daily() for daily schedules at a specific time
//   - Weekly() for weekly schedules on a specific day and time
//   - Cron() and ParseCron() for cron expression-based schedules
//   - Parse() for the textual form used in configuration files
package schedule
