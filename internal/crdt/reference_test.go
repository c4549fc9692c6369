package crdt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"
)

// codecContractSuite 校验任意 Codec 实现都必须满足的性质。
type codecContractSuite struct {
	suite.Suite
	codec Codec
}

func (s *codecContractSuite) TestRoundTrip() {
	ctx := context.Background()
	for _, snapshot := range [][]byte{nil, {}, []byte("hello"), {0x00, 0x01, 0x02}} {
		vector, err := s.codec.EncodeStateVector(ctx, snapshot)
		s.Require().NoError(err)
		delta, err := s.codec.EncodeDelta(ctx, snapshot, vector)
		s.Require().NoError(err)
		s.Empty(delta)
	}
}

func (s *codecContractSuite) TestMergeEmptyUpdateIsNoop() {
	ctx := context.Background()
	snapshot, _, err := s.codec.Merge(ctx, nil, []byte("state-1"))
	s.Require().NoError(err)
	vector, err := s.codec.EncodeStateVector(ctx, snapshot)
	s.Require().NoError(err)

	merged, mergedVector, err := s.codec.Merge(ctx, snapshot, nil)
	s.Require().NoError(err)
	s.Equal(snapshot, merged)
	s.Equal(vector, mergedVector)

	merged, mergedVector, err = s.codec.Merge(ctx, snapshot, []byte{})
	s.Require().NoError(err)
	s.Equal(snapshot, merged)
	s.Equal(vector, mergedVector)
}

func (s *codecContractSuite) TestMergeIntoEmptyDocument() {
	ctx := context.Background()
	merged, vector, err := s.codec.Merge(ctx, nil, nil)
	s.Require().NoError(err)
	s.Empty(merged)
	s.Empty(vector)
}

func (s *codecContractSuite) TestCatchUpReconstructsState() {
	ctx := context.Background()
	snapshot, vector, err := s.codec.Merge(ctx, nil, []byte("u1"))
	s.Require().NoError(err)

	delta, err := s.codec.EncodeDelta(ctx, snapshot, nil)
	s.Require().NoError(err)
	s.NotEmpty(delta)

	replica, replicaVector, err := s.codec.Merge(ctx, nil, delta)
	s.Require().NoError(err)
	s.Equal(snapshot, replica)
	s.Equal(vector, replicaVector)
}

func TestReferenceCodec(t *testing.T) {
	suite.Run(t, &codecContractSuite{codec: NewReference()})
}

func TestReferenceDigest(t *testing.T) {
	ctx := context.Background()
	codec := NewReference()

	v1, err := codec.EncodeStateVector(ctx, []byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	v2, _ := codec.EncodeStateVector(ctx, []byte("b"))
	if len(v1) != 8 || string(v1) == string(v2) {
		t.Fatalf("unexpected digests %x %x", v1, v2)
	}
}
