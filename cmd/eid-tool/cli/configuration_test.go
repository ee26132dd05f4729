package cli

func (s *testSuite) TestConfigRefresh() {
	c := s.newCentral(5)
	s.ctl.ctx = s.context()

	s.Require().NoError((&ConfigRefreshCmd{}).Run(s.ctl))
	s.HasText("serial: 5, updated: true")

	s.Out.Reset()
	s.Require().NoError((&ConfigRefreshCmd{}).Run(s.ctl))
	s.HasText("serial: 5, updated: false")

	c.serial = 6
	s.Out.Reset()
	s.Require().NoError((&ConfigRefreshCmd{}).Run(s.ctl))
	s.HasText("serial: 6, updated: true")

	s.Out.Reset()
	s.Require().NoError((&ConfigShowCmd{}).Run(s.ctl))
	s.HasText(`"SERIAL": 6`, "/mid-proxy")
}

func (s *testSuite) TestConfigRefresh_MissingKey() {
	s.newCentral(1)
	cfg, err := s.ctl.Config()
	s.Require().NoError(err)
	cfg.Configuration.PublicKey = s.dir + "/missing.pub"

	err = (&ConfigRefreshCmd{}).Run(s.ctl)
	s.Require().Error(err)
	s.Contains(err.Error(), "failed to read configuration public key")
}
