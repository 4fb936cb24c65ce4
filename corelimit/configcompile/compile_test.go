/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package configcompile

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type CompileTestSuite struct {
	suite.Suite
}

func TestCompile(t *testing.T) {
	suite.Run(t, new(CompileTestSuite))
}

func (s *CompileTestSuite) compile(yamlDoc string) (*CompiledConfig, error) {
	return Compile([]Source{{Path: "test.yaml", Data: []byte(yamlDoc)}})
}

func (s *CompileTestSuite) TestSimpleLimit() {
	cc, err := s.compile(`
domain: my-service
descriptors:
  - key: remote_address
    rate_limit:
      requests_per_unit: 10
      unit: second
`)
	s.Require().NoError(err)

	root, ok := cc.Root("my-service")
	s.Require().True(ok)

	child, matched := root.Child("remote_address", "1.2.3.4")
	s.Require().True(matched)
	s.Require().NotNil(child.RateLimit)
	s.Equal(uint32(10), child.RateLimit.RequestsPerUnit)
	s.Equal(UnitSecond, child.RateLimit.Unit)
}

func (s *CompileTestSuite) TestWildcardValue() {
	cc, err := s.compile(`
domain: my-service
descriptors:
  - key: header_match
    value: fake
    rate_limit:
      requests_per_unit: 5
      unit: minute
  - key: header_match
    rate_limit:
      requests_per_unit: 100
      unit: minute
`)
	s.Require().NoError(err)

	root, _ := cc.Root("my-service")

	exact, matched := root.Child("header_match", "fake")
	s.Require().True(matched)
	s.Equal(uint32(5), exact.RateLimit.RequestsPerUnit)

	wildcard, matched := root.Child("header_match", "other")
	s.Require().True(matched)
	s.Equal(uint32(100), wildcard.RateLimit.RequestsPerUnit)
}

func (s *CompileTestSuite) TestNestedDescriptorsWithNoLimitAtParent() {
	cc, err := s.compile(`
domain: my-service
descriptors:
  - key: account
    descriptors:
      - key: operation
        value: upload
        rate_limit:
          requests_per_unit: 3
          unit: hour
`)
	s.Require().NoError(err)

	root, _ := cc.Root("my-service")
	accountNode, matched := root.Child("account", "acc-1")
	s.Require().True(matched)
	s.Nil(accountNode.RateLimit)

	opNode, matched := accountNode.Child("operation", "upload")
	s.Require().True(matched)
	s.Require().NotNil(opNode.RateLimit)
	s.Equal(uint32(3), opNode.RateLimit.RequestsPerUnit)
}

func (s *CompileTestSuite) TestShadowMode() {
	cc, err := s.compile(`
domain: my-service
descriptors:
  - key: account
    shadow_mode: true
    rate_limit:
      requests_per_unit: 1
      unit: second
`)
	s.Require().NoError(err)
	root, _ := cc.Root("my-service")
	node, _ := root.Child("account", "acc-1")
	s.True(node.RateLimit.ShadowMode)
}

func (s *CompileTestSuite) TestUnlimited() {
	cc, err := s.compile(`
domain: my-service
descriptors:
  - key: account
    rate_limit:
      unlimited: true
      unit: second
`)
	s.Require().NoError(err)
	root, _ := cc.Root("my-service")
	node, _ := root.Child("account", "acc-1")
	s.True(node.RateLimit.Unlimited)
}

func (s *CompileTestSuite) TestDuplicateSiblingRejected() {
	_, err := s.compile(`
domain: my-service
descriptors:
  - key: account
    value: acc-1
  - key: account
    value: acc-1
`)
	s.Require().Error(err)
	var cfgErr *ConfigError
	s.Require().ErrorAs(err, &cfgErr)
}

func (s *CompileTestSuite) TestOverlappingExactAndWildcardSubtreesRejected() {
	_, err := s.compile(`
domain: my-service
descriptors:
  - key: account
    value: acc-1
    descriptors:
      - key: operation
  - key: account
    descriptors:
      - key: operation
`)
	s.Require().Error(err)
}

func (s *CompileTestSuite) TestEmptyDomainRejected() {
	_, err := s.compile(`
descriptors:
  - key: account
`)
	s.Require().Error(err)
}

func (s *CompileTestSuite) TestEmptyKeyRejected() {
	_, err := s.compile(`
domain: my-service
descriptors:
  - key: ""
`)
	s.Require().Error(err)
}

func (s *CompileTestSuite) TestZeroRequestsPerUnitWithoutUnlimitedRejected() {
	_, err := s.compile(`
domain: my-service
descriptors:
  - key: account
    rate_limit:
      requests_per_unit: 0
      unit: second
`)
	s.Require().Error(err)
}

func (s *CompileTestSuite) TestUnknownUnitRejected() {
	_, err := s.compile(`
domain: my-service
descriptors:
  - key: account
    rate_limit:
      requests_per_unit: 1
      unit: fortnight
`)
	s.Require().Error(err)
}

func (s *CompileTestSuite) TestRootKeyDisjointnessAcrossDocuments() {
	cc, err := Compile([]Source{
		{Path: "a.yaml", Data: []byte(`
domain: my-service
descriptors:
  - key: account
`)},
		{Path: "b.yaml", Data: []byte(`
domain: my-service
descriptors:
  - key: account
`)},
	})
	s.Require().Error(err)
	s.Nil(cc)
}

func (s *CompileTestSuite) TestMultipleDomainsIndependent() {
	cc, err := Compile([]Source{
		{Path: "a.yaml", Data: []byte(`
domain: service-a
descriptors:
  - key: account
    rate_limit: {requests_per_unit: 1, unit: second}
`)},
		{Path: "b.yaml", Data: []byte(`
domain: service-b
descriptors:
  - key: account
    rate_limit: {requests_per_unit: 2, unit: second}
`)},
	})
	require.NoError(s.T(), err)

	rootA, ok := cc.Root("service-a")
	s.Require().True(ok)
	nodeA, _ := rootA.Child("account", "x")
	s.Equal(uint32(1), nodeA.RateLimit.RequestsPerUnit)

	rootB, ok := cc.Root("service-b")
	s.Require().True(ok)
	nodeB, _ := rootB.Child("account", "x")
	s.Equal(uint32(2), nodeB.RateLimit.RequestsPerUnit)
}

func (s *CompileTestSuite) TestUnknownDomainHasNoRoot() {
	cc, err := s.compile(`
domain: my-service
descriptors:
  - key: account
`)
	s.Require().NoError(err)
	_, ok := cc.Root("other-service")
	s.False(ok)
}
