package btag

// Tier selects how much of a decoded Tag is checked against the
// expected reference.
type Tier int

const (
	// QuickVerify checks the fields callers expect to be cheap and
	// always meaningful: identity, signature, pattern, generation,
	// pid/job/thread, crc32 and opaque descriptor.
	QuickVerify Tier = iota
	// FullVerify adds device_size, version, and the record_*/step_offset
	// fields on top of QuickVerify.
	FullVerify
)

// VerifyOptions narrows which fields participate in comparison: some
// fields go stale under random I/O (overwrites) or have no meaning on
// a read-only run, and the spec calls for excluding them rather than
// flagging false positives.
type VerifyOptions struct {
	Tier     Tier
	RandomIO bool
	ReadOnly bool
}

// Mismatch describes one field that differed between the decoded Tag
// and the expected reference.
type Mismatch struct {
	Field    string
	Offset   int
	Expected any
	Got      any
}

// Result is the outcome of Verify: Mismatches lists every differing
// field; EIndex is the byte offset of the first one (smallest
// BTAG-internal index), or -1 if OK is true.
type Result struct {
	OK        bool
	Mismatches []Mismatch
	EIndex    int
}

// Verify compares got against expected under opts, computing the
// recomputed CRC32 over gotHeader, gotOpaque and gotPayload to catch
// corruption the field-by-field
// comparison alone wouldn't (a flipped bit inside the payload, say).
func Verify(got, expected *Tag, gotHeader, gotOpaque, gotPayload []byte, opts VerifyOptions) Result {
	var mismatches []Mismatch

	check := func(name string, offset int, want, have any, enabled bool) {
		if !enabled {
			return
		}
		if want != have {
			mismatches = append(mismatches, Mismatch{Field: name, Offset: offset, Expected: want, Got: have})
		}
	}

	disableOrdering := opts.RandomIO
	disableWriteMeta := opts.ReadOnly

	check("offset", offOffset, expected.Offset, got.Offset, true)
	check("device_id", offDeviceID, expected.DeviceID, got.DeviceID, true)
	check("san_serial", offSANSerial, expected.SANSerial, got.SANSerial, true)
	check("hostname", offHostname, expected.Hostname, got.Hostname, true)
	check("signature", offSignature, expected.Signature, got.Signature, true)
	check("pattern_type", offPatternType, expected.PatternType, got.PatternType, true)
	check("flags", offFlags, expected.Flags, got.Flags, !disableWriteMeta)
	check("write_pass_start", offWritePassStart, expected.WritePassStart, got.WritePassStart, !disableWriteMeta)
	check("write_secs", offWriteSecs, expected.WriteSecs, got.WriteSecs, !disableOrdering && !disableWriteMeta)
	check("write_usecs", offWriteUsecs, expected.WriteUsecs, got.WriteUsecs, !disableOrdering && !disableWriteMeta)
	check("pattern", offPattern, expected.Pattern, got.Pattern, true)
	check("generation", offGeneration, expected.Generation, got.Generation, !disableWriteMeta)
	check("process_id", offProcessID, expected.ProcessID, got.ProcessID, !disableWriteMeta)
	check("job_id", offJobID, expected.JobID, got.JobID, !disableWriteMeta)
	check("thread_number", offThreadNumber, expected.ThreadNumber, got.ThreadNumber, !disableWriteMeta)
	check("opaque_data_type", offOpaqueType, expected.OpaqueDataType, got.OpaqueDataType, true)
	check("opaque_data_size", offOpaqueSize, expected.OpaqueDataSize, got.OpaqueDataSize, true)

	if opts.Tier == FullVerify {
		check("version", offVersion, expected.Version, got.Version, true)
		check("device_size", offDeviceSize, expected.DeviceSize, got.DeviceSize, true)
		check("record_index", offRecordIndex, expected.RecordIndex, got.RecordIndex, !disableOrdering && !disableWriteMeta)
		check("record_size", offRecordSize, expected.RecordSize, got.RecordSize, !disableOrdering && !disableWriteMeta)
		check("record_number", offRecordNumber, expected.RecordNumber, got.RecordNumber, !disableOrdering && !disableWriteMeta)
		check("step_offset", offStepOffset, expected.StepOffset, got.StepOffset, !disableWriteMeta)
	}

	wantCRC := checksum(gotHeader, gotOpaque, gotPayload)
	check("crc32", offCRC32, wantCRC, got.CRC32, true)

	if len(mismatches) == 0 {
		return Result{OK: true, EIndex: -1}
	}

	eindex := mismatches[0].Offset
	for _, m := range mismatches {
		if m.Offset < eindex {
			eindex = m.Offset
		}
	}

	return Result{OK: false, Mismatches: mismatches, EIndex: eindex}
}
