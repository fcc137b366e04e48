// Package wazero runs WASM codec modules inside a wazero sandbox and presents
// them as ports.CodecModule.
//
// # Guest ABI
//
// The guest must export:
//
//	allocate(size i32) i32          reserve size bytes, return the pointer
//	deallocate(ptr i32, size i32)   release memory returned by allocate
//	codec_call(ptr i32, len i32) i64
//
// and may export _initialize (reactor modules). codec_call takes one request
// and returns one response as a packed i64, pointer in the upper 32 bits and
// length in the lower. Requests and responses share a frame layout:
//
//	[u32 LE header length][header JSON][payload bytes]
//
// The header of a request names the operation ("decoder.create",
// "decoder.decode", "decoder.reset", "decoder.destroy", "encoder.create",
// "encoder.encode", "encoder.rates", "encoder.destroy") and the payload carries
// frame bytes. A response header carries either an error string or the
// result, with output frame bytes as payload.
//
// The host module "mediahost" exports log_message(packed i64) taking a JSON
// {"level","message"} record.
package wazero
