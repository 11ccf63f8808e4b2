package migrations

import "embed"

// UpFiles embeds every forward migration so the server binary can apply
// schema changes at startup without depending on an external migrations
// directory being mounted into the container.
//
//go:embed *.up.sql
var UpFiles embed.FS
