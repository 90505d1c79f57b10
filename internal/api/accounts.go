package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"geopub/internal/accountcheck"
	"geopub/internal/model"
	logx "geopub/pkg/logx"
)

func (s *Server) handleListAccounts(c *gin.Context) {
	list, err := s.d.Accounts.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []model.Account{}
	}
	ok(c, list)
}

func (s *Server) handleGetAccount(c *gin.Context) {
	id, valid := paramID(c, "id")
	if !valid {
		return
	}
	acc, err := s.d.Accounts.Get(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, acc)
}

func (s *Server) handleUpdateAccount(c *gin.Context) {
	id, valid := paramID(c, "id")
	if !valid {
		return
	}
	var patch model.AccountPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		reject(c, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	acc, err := s.d.Auth.UpdateProfile(c.Request.Context(), id, patch)
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, acc)
}

func (s *Server) handleDeleteAccount(c *gin.Context) {
	id, valid := paramID(c, "id")
	if !valid {
		return
	}
	if err := s.d.Auth.DeleteAccount(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type authStartBody struct {
	AccountID   int64  `json:"account_id"`
	Platform    string `json:"platform"`
	AccountName string `json:"account_name"`
}

func (s *Server) handleAuthStart(c *gin.Context) {
	var body authStartBody
	if err := c.ShouldBindJSON(&body); err != nil {
		reject(c, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	ctx := c.Request.Context()
	var (
		taskID    string
		accountID = body.AccountID
		err       error
	)
	switch {
	case body.AccountID > 0:
		taskID, err = s.d.Auth.StartLogin(ctx, body.AccountID)
	case strings.TrimSpace(body.Platform) != "" && strings.TrimSpace(body.AccountName) != "":
		taskID, accountID, err = s.d.Auth.StartLoginByName(ctx, strings.TrimSpace(body.Platform), strings.TrimSpace(body.AccountName))
	default:
		reject(c, http.StatusBadRequest, "account_id or platform and account_name are required")
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, gin.H{"taskId": taskID, "accountId": accountID})
}

// authStatusView is the dashboard's polling shape. isLoggedIn is only
// present once the session is finished.
type authStatusView struct {
	TaskID     string          `json:"taskId"`
	AccountID  int64           `json:"accountId"`
	Platform   string          `json:"platform"`
	Status     model.AuthState `json:"status"`
	IsLoggedIn *bool           `json:"isLoggedIn,omitempty"`
	Message    string          `json:"message,omitempty"`
	QRCode     string          `json:"qrcode,omitempty"`
}

func newAuthStatusView(sess model.AuthSession) authStatusView {
	v := authStatusView{
		TaskID:    sess.TaskID,
		AccountID: sess.AccountID,
		Platform:  sess.Platform,
		Status:    sess.State,
		Message:   sess.Message,
		QRCode:    sess.QRCode,
	}
	if sess.State.Terminal() {
		in := sess.IsLoggedIn()
		v.IsLoggedIn = &in
	}
	return v
}

func (s *Server) handleAuthStatus(c *gin.Context) {
	sess, err := s.d.Auth.Status(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, newAuthStatusView(sess))
}

func (s *Server) handleAuthCancel(c *gin.Context) {
	sess, err := s.d.Auth.Cancel(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, newAuthStatusView(sess))
}

// handleAuthConfirm answers with the session after an immediate login check.
func (s *Server) handleAuthConfirm(c *gin.Context) {
	sess, err := s.d.Auth.Confirm(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	v := newAuthStatusView(sess)
	if !sess.State.Terminal() && v.Message == "" {
		v.Message = "login not detected yet"
	}
	ok(c, v)
}

// handleCheckAll runs a check and answers with its summary. With
// ?async=true it answers 202 at once; progress then arrives on the live
// channel only.
func (s *Server) handleCheckAll(c *gin.Context) {
	if s.d.Checker.Running() {
		s.fail(c, accountcheck.ErrAlreadyRunning)
		return
	}
	if c.Query("async") == "true" {
		go func() {
			_, err := s.d.Checker.Run(s.ctx)
			if err != nil && !errors.Is(err, accountcheck.ErrAlreadyRunning) && s.ctx.Err() == nil {
				s.log.Warn("account check failed", logx.Err(err))
			}
		}()
		c.JSON(http.StatusAccepted, envelope{Success: true, Message: "account check started"})
		return
	}
	sum, err := s.d.Checker.Run(c.Request.Context())
	if err != nil && c.Request.Context().Err() == nil {
		s.fail(c, err)
		return
	}
	if err != nil {
		// Client went away; the partial summary is still recorded.
		c.Abort()
		return
	}
	ok(c, sum)
}

func (s *Server) handleCheckLast(c *gin.Context) {
	sum, found := s.d.Checker.Last()
	if !found {
		reject(c, http.StatusNotFound, "no account check has run yet")
		return
	}
	ok(c, sum)
}
