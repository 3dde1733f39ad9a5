// Package logx wraps zerolog with typed fields and a reloadable sink
// service: a readable console writer and a size-rotated JSON file.
package logx
