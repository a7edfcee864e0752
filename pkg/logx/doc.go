// Package logx is schedd's structured logging layer on top of zerolog.
//
// Logger is a small value type: the zero value discards everything and With
// derives a logger carrying fixed fields. Loggers created from a Service
// follow its sinks and level across Service.Apply, which is how config hot
// reload changes logging without rebuilding components.
package logx
