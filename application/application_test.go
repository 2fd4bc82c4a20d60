package application

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"
)

type ApplicationSuite struct {
	suite.Suite

	origArgs []string
}

func TestApplication(t *testing.T) {
	suite.Run(t, new(ApplicationSuite))
}

func (s *ApplicationSuite) SetupTest() {
	s.origArgs = os.Args
}

func (s *ApplicationSuite) TearDownTest() {
	os.Args = s.origArgs
}

func (s *ApplicationSuite) writeConfig(content string) string {
	path := filepath.Join(s.T().TempDir(), "config.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o600))
	return path
}

func (s *ApplicationSuite) TestRunWithConfigFlag() {
	path := s.writeConfig(`
profile:
  backend: memory
  hubBufferSize: 32
  store:
    backendName: memory
    loadTimeout: 3s
`)
	os.Args = []string{"garden", "--config", path}

	app := New()
	s.Require().NoError(app.Run())
	s.NotNil(app.Config())
}

func (s *ApplicationSuite) TestRunMissingConfigFile() {
	os.Args = []string{"garden", "--config", "/nonexistent/config.yaml"}

	app := New()
	s.Error(app.Run())
}

func (s *ApplicationSuite) TestBuildProfileServiceMemory() {
	path := s.writeConfig(`
profile:
  backend: memory
  connectWorkerNum: 4
`)
	os.Args = []string{"garden", "--config", path}

	app := New()
	s.Require().NoError(app.Run())

	service, err := app.BuildProfileService()
	s.Require().NoError(err)
	defer func() {
		s.NoError(service.Close(context.Background()))
	}()

	handle, err := service.Store.Acquire(context.Background(), "alice")
	s.Require().NoError(err)
	s.NoError(handle.AddCoins(10))
	s.NoError(service.Store.Release(context.Background(), "alice"))
}

func (s *ApplicationSuite) TestBuildProfileServiceDefaults() {
	// 未加载配置时按默认装配内存后端。
	app := New()
	service, err := app.BuildProfileService()
	s.Require().NoError(err)
	s.NoError(service.Close(context.Background()))
}

func (s *ApplicationSuite) TestBuildProfileServiceUnknownBackend() {
	path := s.writeConfig(`
profile:
  backend: cassandra
`)
	os.Args = []string{"garden", "--config", path}

	app := New()
	s.Require().NoError(app.Run())

	_, err := app.BuildProfileService()
	s.ErrorContains(err, "unknown profile backend")
}

func (s *ApplicationSuite) TestLoggerFallback() {
	app := New()
	s.NotNil(app.Logger("unknown"))
}

func (s *ApplicationSuite) TestModuleLoggers() {
	path := s.writeConfig(`
logging:
  profile:
    level: debug
    stdout: false
`)
	os.Args = []string{"garden", "--config", path}

	app := New()
	s.Require().NoError(app.Run())
	s.NotNil(app.Logger("profile"))
}
