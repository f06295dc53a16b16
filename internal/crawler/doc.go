// Package crawler runs spiders on colly and reports every step of a run
// through an explicit lifecycle: engine start/stop, spider open/close,
// responses, and scraped or dropped items. Per-request details are written to
// a stats recorder under the usual downloader/* keys.
package crawler
