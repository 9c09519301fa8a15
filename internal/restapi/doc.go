// Package restapi talks to the notification REST API: paginated listing,
// mark-read, mark-all-read and delete. Syncer pulls pages on a cron
// schedule and merges them into the local notification store.
package restapi
