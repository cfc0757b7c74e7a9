// Package objstore is the object storage boundary of backup shipping.
//
// S3Store talks to any S3 compatible endpoint through aws-sdk-go-v2; the
// upload of one volume is a multipart upload so that it can be aborted and
// its id reported as a resumption token. MemStore keeps objects in memory.
package objstore
