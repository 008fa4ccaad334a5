// Package rules embeds the starter pause-rule catalog.
package rules

import "embed"

// DefaultCatalog is the file name of the starter catalog inside FS.
const DefaultCatalog = "default_rules.yaml"

//go:embed *.yaml
var embedded embed.FS

// FS returns the embedded filesystem with the default pause rules.
func FS() embed.FS {
	return embedded
}
