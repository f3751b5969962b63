// Package cas owns the content-addressed layout of the storage tree. A blob
// whose MD5 digest is h lives at <root>/h[0:2]/h[2:3]/h; writers go through a
// temp file + rename so that a canonical path only ever exposes verified bytes.
// The package also defines the error taxonomy shared by the downloader, the
// index and the maintenance passes.
package cas
