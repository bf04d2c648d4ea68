package audio_test

import (
	"testing"

	"github.com/voxfold/voxfold/pkg/audio"
)

func TestFormatConverter_PassesThroughOnMatchingFormat(t *testing.T) {
	t.Parallel()
	c := &audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	in := audio.AudioFrame{Data: []byte{1, 2, 3, 4}, SampleRate: 16000, Channels: 1}

	out := c.Convert(in)
	if len(out.Data) != len(in.Data) || out.Data[0] != in.Data[0] {
		t.Fatalf("want unchanged frame, got %+v", out)
	}
}

func TestFormatConverter_DropsOddByteFrames(t *testing.T) {
	t.Parallel()
	c := &audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	in := audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1}

	out := c.Convert(in)
	if len(out.Data) != 0 {
		t.Fatalf("want corrupt frame dropped, got %d bytes", len(out.Data))
	}
}

func TestFormatConverter_ResamplesAndConvertsChannels(t *testing.T) {
	t.Parallel()
	c := &audio.FormatConverter{Target: audio.Format{SampleRate: 8000, Channels: 2}}
	in := audio.AudioFrame{
		Data:       audio.MonoToStereo(nil), // empty, just to confirm no panic path below
		SampleRate: 16000,
		Channels:   1,
	}
	// Build a real mono PCM frame of 16 samples at 16kHz.
	pcm := make([]byte, 32)
	for i := 0; i < 16; i++ {
		v := int16(i * 100)
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}
	in.Data = pcm

	out := c.Convert(in)
	if out.SampleRate != 8000 || out.Channels != 2 {
		t.Fatalf("want target format 8000Hz stereo, got %dHz %dch", out.SampleRate, out.Channels)
	}
	// 16 mono samples at 16kHz -> 8 samples at 8kHz -> 8 stereo frames (4 bytes each).
	if len(out.Data) != 8*4 {
		t.Fatalf("want 32 bytes of stereo output, got %d", len(out.Data))
	}
}

func TestMonoToStereo_DuplicatesSamples(t *testing.T) {
	t.Parallel()
	mono := []byte{0x10, 0x20} // one int16 sample
	stereo := audio.MonoToStereo(mono)
	if len(stereo) != 4 {
		t.Fatalf("want 4 bytes (L+R), got %d", len(stereo))
	}
	if stereo[0] != mono[0] || stereo[1] != mono[1] || stereo[2] != mono[0] || stereo[3] != mono[1] {
		t.Fatalf("want L and R channels identical to the mono sample, got %v", stereo)
	}
}

func TestStereoToMono_AveragesChannels(t *testing.T) {
	t.Parallel()
	// L = 100, R = 200 (little-endian int16).
	stereo := []byte{100, 0, 200, 0}
	mono := audio.StereoToMono(stereo)
	if len(mono) != 2 {
		t.Fatalf("want 2 bytes (one sample), got %d", len(mono))
	}
	got := int16(mono[0]) | int16(mono[1])<<8
	if got != 150 {
		t.Fatalf("want average of 100 and 200 to be 150, got %d", got)
	}
}

func TestStereoToMono_ClampsOverflow(t *testing.T) {
	t.Parallel()
	maxSample := int16(32767)
	stereo := []byte{byte(maxSample), byte(maxSample >> 8), byte(maxSample), byte(maxSample >> 8)}
	mono := audio.StereoToMono(stereo)
	got := int16(mono[0]) | int16(mono[1])<<8
	if got != maxSample {
		t.Fatalf("want clamped to int16 max %d, got %d", maxSample, got)
	}
}

func TestResampleMono16_SameRateIsNoop(t *testing.T) {
	t.Parallel()
	pcm := []byte{1, 2, 3, 4}
	out := audio.ResampleMono16(pcm, 16000, 16000)
	if len(out) != len(pcm) || out[0] != pcm[0] {
		t.Fatalf("want unchanged PCM at identical rates, got %v", out)
	}
}

func TestResampleMono16_UpsamplesToExpectedLength(t *testing.T) {
	t.Parallel()
	pcm := make([]byte, 20) // 10 samples at 8kHz
	out := audio.ResampleMono16(pcm, 8000, 16000)
	if len(out) != 40 { // 20 samples at 16kHz
		t.Fatalf("want 40 bytes (20 samples) after 2x upsample, got %d", len(out))
	}
}

func TestResampleStereo16_DownsamplesToExpectedLength(t *testing.T) {
	t.Parallel()
	pcm := make([]byte, 80) // 20 stereo frames at 16kHz
	out := audio.ResampleStereo16(pcm, 16000, 8000)
	if len(out) != 40 { // 10 stereo frames at 8kHz
		t.Fatalf("want 40 bytes (10 stereo frames) after 2x downsample, got %d", len(out))
	}
}

func TestConvertStream_ClosesOutputWhenInputCloses(t *testing.T) {
	t.Parallel()
	in := make(chan audio.AudioFrame, 1)
	out := audio.ConvertStream(in, audio.Format{SampleRate: 16000, Channels: 1})

	in <- audio.AudioFrame{Data: []byte{1, 2}, SampleRate: 16000, Channels: 1}
	close(in)

	var got int
	for range out {
		got++
	}
	if got != 1 {
		t.Fatalf("want 1 frame forwarded before closing, got %d", got)
	}
}
