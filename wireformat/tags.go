// Package wireformat defines the messages exchanged between the host and a
// plugin process, and their framed binary encoding. The message set is fixed;
// tags and payload structures must remain stable as they define the contract
// both processes speak.
package wireformat

import "fmt"

// Tag identifies a message type.
type Tag uint16

// ControlActor is the actor id of the per-process control channel.
const ControlActor uint32 = 0

// Process control messages (actor 0).
const (
	TagStartPlugin Tag = iota + 1
	TagStartPluginResult
	TagConstructActor
	TagConstructStorage
	TagActorDeleted
	TagBeginShutdown
	TagShutdownComplete
)

// Shared by every codec actor.
const (
	TagReturnShmem Tag = iota + 0x20
	TagError
)

// Decoder actor messages.
const (
	TagInitDecode Tag = iota + 0x40
	TagDecode
	TagReset
	TagDrain
	TagDecodingComplete
	TagDecoded
	TagReceivedDecodedReferenceFrame
	TagReceivedDecodedFrame
	TagInputDataExhausted
	TagDrainComplete
	TagResetComplete
)

// Encoder actor messages.
const (
	TagInitEncode Tag = iota + 0x60
	TagEncode
	TagSetChannelParameters
	TagSetRates
	TagSetPeriodicKeyFrames
	TagEncodingComplete
	TagEncoded
)

// Storage actor messages.
const (
	TagStorageOpen Tag = iota + 0x80
	TagStorageRead
	TagStorageWrite
	TagStorageClose
	TagStorageGetRecordNames
	TagStorageOpenComplete
	TagStorageReadComplete
	TagStorageWriteComplete
	TagStorageRecordNames
	TagStorageShutdown
)

var tagNames = map[Tag]string{
	TagStartPlugin:                   "start_plugin",
	TagStartPluginResult:             "start_plugin_result",
	TagConstructActor:                "construct_actor",
	TagConstructStorage:              "construct_storage",
	TagActorDeleted:                  "actor_deleted",
	TagBeginShutdown:                 "begin_shutdown",
	TagShutdownComplete:              "shutdown_complete",
	TagReturnShmem:                   "return_shmem",
	TagError:                         "error",
	TagInitDecode:                    "init_decode",
	TagDecode:                        "decode",
	TagReset:                         "reset",
	TagDrain:                         "drain",
	TagDecodingComplete:              "decoding_complete",
	TagDecoded:                       "decoded",
	TagReceivedDecodedReferenceFrame: "received_decoded_reference_frame",
	TagReceivedDecodedFrame:          "received_decoded_frame",
	TagInputDataExhausted:            "input_data_exhausted",
	TagDrainComplete:                 "drain_complete",
	TagResetComplete:                 "reset_complete",
	TagInitEncode:                    "init_encode",
	TagEncode:                        "encode",
	TagSetChannelParameters:          "set_channel_parameters",
	TagSetRates:                      "set_rates",
	TagSetPeriodicKeyFrames:          "set_periodic_key_frames",
	TagEncodingComplete:              "encoding_complete",
	TagEncoded:                       "encoded",
	TagStorageOpen:                   "storage_open",
	TagStorageRead:                   "storage_read",
	TagStorageWrite:                  "storage_write",
	TagStorageClose:                  "storage_close",
	TagStorageGetRecordNames:         "storage_get_record_names",
	TagStorageOpenComplete:           "storage_open_complete",
	TagStorageReadComplete:           "storage_read_complete",
	TagStorageWriteComplete:          "storage_write_complete",
	TagStorageRecordNames:            "storage_record_names",
	TagStorageShutdown:               "storage_shutdown",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tag(%d)", uint16(t))
}

// Known reports whether t belongs to the message set.
func (t Tag) Known() bool {
	_, ok := tagNames[t]
	return ok
}
