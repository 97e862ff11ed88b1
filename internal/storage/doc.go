// Package storage is the small persistence collaborator behind the sample
// job handlers: auth users created by the user/addUserToDB lane and an
// append-only audit log of dead-lettered and purged jobs.
//
// Two drivers exist: "file" (JSON Lines next to a configured path) and
// "sqlite" (modernc.org/sqlite, pure Go). An empty driver disables storage.
package storage
