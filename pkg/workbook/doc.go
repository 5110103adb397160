// Package workbook provides core.Source and core.Target implementations.
//
//   - Memory: workbooks held in process, for tests and dry runs
//   - Dir: one YAML file per workbook in a directory
//
// A workbook is an ordered list of named sections, each with a header row.
package workbook
