// Package loader registers cache drivers via blank imports.
//
// Usage in main.go:
//
//	import _ "github.com/web-tech-tw/freya-go/internal/cache/loader"
package loader

import (
	_ "github.com/web-tech-tw/freya-go/internal/cache/memory"
	_ "github.com/web-tech-tw/freya-go/internal/cache/redis"
)
