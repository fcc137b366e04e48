// Package native loads codec plugins built as shared libraries
// (lib<name>.so, lib<name>.dylib) without cgo, using purego.
//
// A library exports four C entry points:
//
//	int32_t   GMPInit(void (*log)(int32_t level, const char *msg));
//	void     *GMPGetAPI(const char *api);
//	void      GMPShutdown(void);
//	const char *GMPGetError(void);
//
// GMPInit returns 0 on success. GMPGetAPI returns a table of function
// pointers for "decode-video" or "encode-video", or NULL:
//
//	struct decoder_api {
//	    uint64_t (*create)(int32_t codec, int32_t width, int32_t height, int32_t threads);
//	    int32_t  (*decode)(uint64_t dec, const uint8_t *data, int32_t len, decode_result *out);
//	    int32_t  (*reset)(uint64_t dec);
//	    void     (*destroy)(uint64_t dec);
//	};
//
//	struct encoder_api {
//	    uint64_t (*create)(int32_t codec, int32_t width, int32_t height, int32_t fps, int32_t kbps, int32_t threads);
//	    int32_t  (*encode)(uint64_t enc, const uint8_t *y, const uint8_t *u, const uint8_t *v,
//	                       int32_t y_stride, int32_t uv_stride, int32_t force_key,
//	                       uint8_t *out, int32_t out_cap, int32_t *out_frame_type);
//	    int32_t  (*max_output_size)(uint64_t enc);
//	    int32_t  (*set_rates)(uint64_t enc, int32_t kbps, int32_t fps);
//	    void     (*destroy)(uint64_t enc);
//	};
//
// Codec ids are the values of entities.VideoCodec. decode returns 1 when a
// frame was produced into out, 0 when it needs more input and a negative
// value on error; the planes out points at stay valid until the next call on
// the same decoder. encode returns the number of bytes written, 0 when the
// frame was buffered and a negative value on error.
//
// The calls are synchronous. The module copies their results and delivers
// the callbacks on the plugin process's main loop.
package native
