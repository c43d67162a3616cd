// File: rpc/errcode.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Externally visible RPC error codes carried in reply frames.

package rpc

// Framework error codes. Zero means success; these values travel in the
// err_code field of reply frames and never change meaning across
// versions.
const (
	// CodeParseServiceName: malformed method-full-name in the request.
	CodeParseServiceName int32 = 10001
	// CodeServiceNotFound: service or method unknown to the dispatcher.
	CodeServiceNotFound int32 = 10002
	// CodeDeserializeFailed: request payload did not parse.
	CodeDeserializeFailed int32 = 10003
	// CodeSerializeFailed: response payload did not serialize.
	CodeSerializeFailed int32 = 10004
	// CodePeerClosed: connect refused or peer closed during connect.
	CodePeerClosed int32 = 10005
	// CodeFailedConnect: non-specific connect failure.
	CodeFailedConnect int32 = 10006
	// CodeHandlerPanic: the method implementation panicked; the worker
	// survived and the call is answered with this code instead.
	CodeHandlerPanic int32 = 10007
)
